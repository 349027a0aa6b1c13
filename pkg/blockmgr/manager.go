// Package blockmgr implements the in-memory DAG of blocks currently
// relevant to validation: chains under review, forks, and the recently
// committed tip, with reference-counted pinning so ancestor-walking code
// can rely on a block staying resident.
//
// Grounded on the teacher's pkg/consensus.ConsensusHealthMonitor for the
// struct-with-mutex-and-map registry shape (a guarded map of live entries,
// refreshed lazily, pruned on demand) and on pkg/ledger.LedgerStore for the
// pattern of falling back to durable storage on a cache miss.
package blockmgr

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/certenlabs/ledgervalidator/pkg/blockstore"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
)

// ErrMissing is returned by Get when a block is neither resident nor in the
// backing store.
var ErrMissing = errors.New("blockmgr: block missing")

// ErrInvalidBlockNumber is returned by Put when a candidate's block number
// is not exactly one greater than its declared predecessor's, the
// structural check that rules out cycles in the DAG.
var ErrInvalidBlockNumber = errors.New("blockmgr: block number must be predecessor number + 1")

// ErrNoCommonAncestor is returned by ForkDiff when two chains share no
// ancestor reachable via PreviousBlockID.
var ErrNoCommonAncestor = errors.New("blockmgr: no common ancestor")

type entry struct {
	block    ledgertypes.Block
	status   ledgertypes.BlockStatus
	refcount int64
}

// Manager is the in-memory block DAG.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   *blockstore.BlockStore
	log     *log.Logger
}

// New creates a Manager backed by store for cache misses. The Manager never
// writes to store; only entries already persisted there are evicted.
func New(store *blockstore.BlockStore) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		store:   store,
		log:     log.New(os.Stderr, "[BlockManager] ", log.LstdFlags),
	}
}

// Put inserts block into the DAG with refcount zero and increments the
// refcount of its direct predecessor (if resident) so ancestor chains stay
// traversable while a fork is under consideration. Rejects a block whose
// number does not immediately follow its declared predecessor's (looked up
// in memory, then in the store), per the no-cycle invariant; a block whose
// predecessor is in neither is accepted unchecked. Genesis (block number 0)
// is exempt.
func (m *Manager) Put(block ledgertypes.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := block.ID()
	if _, exists := m.entries[id]; exists {
		return nil
	}

	if !block.IsGenesis() {
		prev, ok := m.entries[block.Header.PreviousBlockID]
		prevNum, known := uint64(0), ok
		if ok {
			prevNum = prev.block.Header.BlockNum
		} else if stored, err := m.store.GetByID(block.Header.PreviousBlockID); err == nil {
			prevNum, known = stored.Header.BlockNum, true
		}
		if known && prevNum+1 != block.Header.BlockNum {
			return fmt.Errorf("%w: block %s has number %d, predecessor %s has number %d",
				ErrInvalidBlockNumber, id, block.Header.BlockNum, block.Header.PreviousBlockID, prevNum)
		}
		if ok {
			prev.refcount++
		}
	}

	m.entries[id] = &entry{block: block, status: ledgertypes.StatusUnknown}
	return nil
}

// SetStatus records the validation outcome for a resident block.
func (m *Manager) SetStatus(id string, status ledgertypes.BlockStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissing, id)
	}
	e.status = status
	return nil
}

// Status returns the resident status of id, or StatusMissing if not
// resident.
func (m *Manager) Status(id string) ledgertypes.BlockStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return ledgertypes.StatusMissing
	}
	return e.status
}

// Ref increments id's refcount, pinning it against eviction.
func (m *Manager) Ref(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissing, id)
	}
	e.refcount++
	return nil
}

// Unref decrements id's refcount. A block whose count reaches zero becomes
// eligible for eviction the next time evictIfUnreferenced runs against it,
// but only once it has a persisted backing entry.
func (m *Manager) Unref(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissing, id)
	}
	if e.refcount > 0 {
		e.refcount--
	}
	if e.refcount == 0 {
		m.evictIfUnreferenced(id, e)
	}
	return nil
}

// evictIfUnreferenced drops a zero-refcount entry from memory once it is
// safely durable; caller holds m.mu.
func (m *Manager) evictIfUnreferenced(id string, e *entry) {
	if e.refcount != 0 {
		return
	}
	has, err := m.store.Has(id)
	if err != nil {
		m.log.Printf("eviction check for %s failed: %v", id, err)
		return
	}
	if !has {
		return
	}
	delete(m.entries, id)
}

// Get returns the block for id: resident first, falling back to a lazy
// load from BlockStore (populated into the table at refcount zero), else
// ErrMissing.
func (m *Manager) Get(id string) (ledgertypes.Block, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e.block, nil
	}

	block, err := m.store.GetByID(id)
	if err != nil {
		return ledgertypes.Block{}, fmt.Errorf("%w: %s", ErrMissing, id)
	}

	m.mu.Lock()
	if existing, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return existing.block, nil
	}
	m.entries[id] = &entry{block: block, status: ledgertypes.StatusCommitted}
	m.mu.Unlock()
	return block, nil
}

// Branch returns the chain of blocks from fromID backward to genesis,
// newest first. It is a point-in-time snapshot (restartable by calling
// again), not a live iterator, since the in-memory DAG here is small enough
// that materializing the walk costs little and avoids exposing internal
// locking to callers.
func (m *Manager) Branch(fromID string) ([]ledgertypes.Block, error) {
	var out []ledgertypes.Block
	cur := fromID
	for {
		block, err := m.Get(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, block)
		if block.IsGenesis() {
			return out, nil
		}
		cur = block.Header.PreviousBlockID
	}
}

// ForkDiff walks both a and b back to their lowest common ancestor. drop is
// newest-first (blocks to roll back from a), add is oldest-first (blocks to
// apply to reach b).
func (m *Manager) ForkDiff(a, b string) (drop, add []ledgertypes.Block, err error) {
	chainA, err := m.Branch(a)
	if err != nil {
		return nil, nil, err
	}
	chainB, err := m.Branch(b)
	if err != nil {
		return nil, nil, err
	}

	depthA := make(map[string]int, len(chainA))
	for i, blk := range chainA {
		depthA[blk.ID()] = i
	}

	var common string
	var commonIdxB int
	found := false
	for i, blk := range chainB {
		if idx, ok := depthA[blk.ID()]; ok {
			common = blk.ID()
			_ = idx
			commonIdxB = i
			found = true
			break
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %s and %s", ErrNoCommonAncestor, a, b)
	}

	commonIdxA := depthA[common]
	drop = append(drop, chainA[:commonIdxA]...)

	addNewestFirst := chainB[:commonIdxB]
	add = make([]ledgertypes.Block, len(addNewestFirst))
	for i, blk := range addNewestFirst {
		add[len(addNewestFirst)-1-i] = blk
	}
	return drop, add, nil
}
