// Package publisher implements the BlockPublisher: the pending-batch pool
// and the candidate-block assembly loop, per SPEC_FULL.md §4.7.
//
// Grounded on the teacher's ConsensusHealthMonitor registry shape
// (guarded map/slice, Config/DefaultConfig, background sweep) for Mempool,
// generalized from tracking workers to tracking pending batches with TTL
// expiry and high-water-mark backpressure.
package publisher

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/metrics"
)

// MempoolConfig controls TTL expiry and backpressure.
type MempoolConfig struct {
	TTL           time.Duration
	HighWaterMark int
}

// DefaultMempoolConfig returns the SPEC_FULL.md-resolved defaults: a 10
// minute batch TTL and a 10,000 batch high-water mark.
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{TTL: 10 * time.Minute, HighWaterMark: 10000}
}

type mempoolEntry struct {
	batch      ledgertypes.Batch
	insertedAt time.Time
}

// Mempool is the pending-batch pool: a FIFO queue with at-most-once
// inclusion (PopOldest removes a batch as it is taken for block assembly;
// the pool keeps no record of it after that, and block commits do not touch
// the pool), TTL-based expiry, and high-water-mark backpressure.
type Mempool struct {
	mu      sync.Mutex
	cfg     MempoolConfig
	queue   []*mempoolEntry
	byID    map[string]*mempoolEntry
	log     *log.Logger
	stopCh  chan struct{}
	stopped sync.Once
	metrics *metrics.Metrics
}

// SetMetrics attaches m so pool depth is reported. A nil or never-set m
// disables reporting.
func (m *Mempool) SetMetrics(mx *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mx
}

// reportDepthLocked updates the depth gauge, if metrics are attached.
// Caller holds m.mu.
func (m *Mempool) reportDepthLocked() {
	if m.metrics != nil {
		m.metrics.MempoolDepth.Set(float64(len(m.queue)))
	}
}

// NewMempool creates a Mempool and starts its background TTL sweep.
func NewMempool(cfg MempoolConfig) *Mempool {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultMempoolConfig().TTL
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultMempoolConfig().HighWaterMark
	}
	m := &Mempool{
		cfg:    cfg,
		byID:   make(map[string]*mempoolEntry),
		log:    log.New(os.Stderr, "[Mempool] ", log.LstdFlags),
		stopCh: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the background TTL sweep.
func (m *Mempool) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

func (m *Mempool) sweepLoop() {
	ticker := time.NewTicker(m.cfg.TTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Mempool) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.TTL)
	kept := m.queue[:0]
	for _, e := range m.queue {
		if e.insertedAt.Before(cutoff) {
			delete(m.byID, e.batch.ID())
			m.log.Printf("batch %s expired after TTL", e.batch.ID())
			continue
		}
		kept = append(kept, e)
	}
	m.queue = kept
	m.reportDepthLocked()
}

// Submit enqueues batch at the tail of the pool, failing with ErrPoolFull
// if the pool is at its high-water mark or ErrDuplicateBatch if the batch
// id is already present.
func (m *Mempool) Submit(batch ledgertypes.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := batch.ID()
	if _, exists := m.byID[id]; exists {
		return ErrDuplicateBatch
	}
	if len(m.queue) >= m.cfg.HighWaterMark {
		return ErrPoolFull
	}
	e := &mempoolEntry{batch: batch, insertedAt: time.Now()}
	m.queue = append(m.queue, e)
	m.byID[id] = e
	m.reportDepthLocked()
	return nil
}

// PopOldest removes and returns the oldest batch in the pool.
func (m *Mempool) PopOldest() (ledgertypes.Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return ledgertypes.Batch{}, false
	}
	e := m.queue[0]
	m.queue = m.queue[1:]
	delete(m.byID, e.batch.ID())
	m.reportDepthLocked()
	return e.batch, true
}

// ReinsertFront pushes batch back to the head of the pool, used when a
// block containing it is dropped by a fork switch (spec's "re-inserted at
// the head of the pool").
func (m *Mempool) ReinsertFront(batch ledgertypes.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := batch.ID()
	if _, exists := m.byID[id]; exists {
		return
	}
	e := &mempoolEntry{batch: batch, insertedAt: time.Now()}
	m.queue = append([]*mempoolEntry{e}, m.queue...)
	m.byID[id] = e
	m.reportDepthLocked()
}

// Len reports the number of batches currently pooled.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Has reports whether a batch with id is currently pooled.
func (m *Mempool) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	return ok
}
