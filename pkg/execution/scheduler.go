package execution

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/metrics"
	"github.com/certenlabs/ledgervalidator/pkg/state"
)

// TransactionOutcome is what a processor (via the Executor) reports back to
// Finalize for a dispatched transaction.
type TransactionOutcome struct {
	Kind         ledgertypes.TransactionResultKind
	ErrorMessage string
	StateChanges []ledgertypes.AddressChange
	Events       []ledgertypes.Event
	ExtendedData []byte
}

type dispatchedContext struct {
	contextID  string
	batchIdx   int
	txIdx      int
	tx         ledgertypes.Transaction
	dispatched bool
	finalized  bool

	writes       []ledgertypes.AddressChange
	events       []ledgertypes.Event
	extendedData []byte
}

type batchState struct {
	batch        ledgertypes.Batch
	contexts     []*dispatchedContext
	overlay      []ledgertypes.AddressChange
	failed       bool
	failReason   string
	pendingCount int
	receipts     []ledgertypes.TransactionReceipt
	applied      bool
}

// Scheduler runs the batches of a single candidate block against a
// speculative view rooted at parentRoot, per SPEC_FULL.md §4.4.
type Scheduler struct {
	mu sync.Mutex

	st         *state.MerkleState
	parentRoot string
	curRoot    string

	priorCommitted func(txID string) bool

	batches []*batchState
	cursor  int

	contexts map[string]*dispatchedContext

	blockCommittedTxIDs map[string]bool

	nextContextSeq int

	timeout time.Duration
	log     *log.Logger
	metrics *metrics.Metrics
}

// SetMetrics attaches m so batch commit/rollback counts are reported. A nil
// or never-set m (the default) disables reporting; callers in tests never
// need to wire this.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// New creates a Scheduler that will run batches against parentRoot.
// priorCommitted reports whether a transaction id is already committed in
// an ancestor block, used to satisfy the Dependencies check for
// transactions that do not depend on something earlier in this same block.
func New(st *state.MerkleState, parentRoot string, priorCommitted func(txID string) bool, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		st:                  st,
		parentRoot:          parentRoot,
		curRoot:             parentRoot,
		priorCommitted:      priorCommitted,
		contexts:            make(map[string]*dispatchedContext),
		blockCommittedTxIDs: make(map[string]bool),
		timeout:             timeout,
		log:                 log.New(os.Stderr, "[Scheduler] ", log.LstdFlags),
	}
}

// AddBatch enqueues batch. Transactions are dispatched strictly in the
// order batches were added; within a batch, eligible transactions may be
// dispatched concurrently per NextTransaction's disjointness gate.
func (s *Scheduler) AddBatch(batch ledgertypes.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := &batchState{batch: batch, pendingCount: len(batch.Transactions)}
	batchIdx := len(s.batches)
	for i, tx := range batch.Transactions {
		bs.contexts = append(bs.contexts, &dispatchedContext{
			contextID: s.newContextID(),
			batchIdx:  batchIdx,
			txIdx:     i,
			tx:        tx,
		})
	}
	s.batches = append(s.batches, bs)
}

func (s *Scheduler) newContextID() string {
	s.nextContextSeq++
	return fmt.Sprintf("ctx-%d", s.nextContextSeq)
}

// dependenciesSatisfied reports whether every id in tx.Header.Dependencies
// has already been finalized valid earlier in this block, or is committed
// in an ancestor.
func (s *Scheduler) dependenciesSatisfied(tx ledgertypes.Transaction) (bool, string) {
	for _, depID := range tx.Header.Dependencies {
		if s.blockCommittedTxIDs[depID] {
			continue
		}
		if s.priorCommitted != nil && s.priorCommitted(depID) {
			continue
		}
		return false, depID
	}
	return true, ""
}

// prefixSetsOverlap reports whether any prefix in a matches, or is matched
// by, any prefix in b (treating shorter-of-the-pair containment as a
// match, since a declared input/output is itself a prefix range).
func prefixSetsOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if ledgertypes.HasPrefix(pa, pb) || ledgertypes.HasPrefix(pb, pa) {
				return true
			}
		}
	}
	return false
}

// NextTransaction returns the next transaction eligible for dispatch: the
// earliest not-yet-dispatched transaction in the current batch whose
// declared input/output address sets are disjoint from every still
// in-flight context's declared sets in the same batch, and whose
// dependencies are already satisfied. Transactions with unmet dependencies
// are finalized Invalid immediately rather than offered for dispatch.
//
// Returns ok=false when nothing is currently dispatchable (caller should
// retry after the next Finalize) — this is distinct from the queue being
// entirely drained, which callers detect via Finish's return.
func (s *Scheduler) NextTransaction() (tx ledgertypes.Transaction, contextID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.cursor < len(s.batches) {
		bs := s.batches[s.cursor]
		if bs.failed || bs.pendingCount == 0 {
			s.advanceCursorLocked()
			continue
		}

		var inFlight []*dispatchedContext
		for _, c := range bs.contexts {
			if c.dispatched && !c.finalized {
				inFlight = append(inFlight, c)
			}
		}

		for _, c := range bs.contexts {
			if c.dispatched || c.finalized {
				continue
			}

			satisfied, depID := s.dependenciesSatisfied(c.tx)
			if !satisfied {
				s.failTransactionLocked(bs, c, ledgertypes.ResultInvalid,
					fmt.Errorf("%w: %s", ErrUnmetDependency, depID).Error())
				continue
			}

			declared := append(append([]string{}, c.tx.Header.Inputs...), c.tx.Header.Outputs...)
			blocked := false
			for _, other := range inFlight {
				otherDeclared := append(append([]string{}, other.tx.Header.Inputs...), other.tx.Header.Outputs...)
				if prefixSetsOverlap(declared, otherDeclared) {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}

			c.dispatched = true
			s.contexts[c.contextID] = c
			return c.tx, c.contextID, true
		}
		// Nothing in this batch is dispatchable right now (either all
		// remaining are blocked on in-flight work, or all have been
		// dispatched already).
		return ledgertypes.Transaction{}, "", false
	}
	return ledgertypes.Transaction{}, "", false
}

// failTransactionLocked records an Invalid receipt for c without ever
// dispatching it, and fails the enclosing batch. Caller holds s.mu.
func (s *Scheduler) failTransactionLocked(bs *batchState, c *dispatchedContext, kind ledgertypes.TransactionResultKind, reason string) {
	c.finalized = true
	bs.pendingCount--
	bs.failed = true
	bs.failReason = reason
	bs.receipts = append(bs.receipts, ledgertypes.TransactionReceipt{
		TransactionID: c.tx.ID(),
		Kind:          kind,
		ErrorMessage:  reason,
	})
	if bs.pendingCount == 0 {
		s.finishBatchLocked(bs)
	}
}

func (s *Scheduler) advanceCursorLocked() {
	s.cursor++
}

// overlayLookup returns the most recent value changes records for address,
// if any. A nil Value with ok=true means the address was deleted.
func overlayLookup(changes []ledgertypes.AddressChange, address string) (value []byte, ok bool) {
	for i := len(changes) - 1; i >= 0; i-- {
		if changes[i].Address == address {
			return changes[i].Value, true
		}
	}
	return nil, false
}

// ReadState answers a processor's state-get request for a previously
// dispatched contextID, enforcing the read-authorization half of the
// Inputs/Outputs contract: any address outside tx.Header.Inputs fails the
// whole transaction and reports ErrAuthorizationViolation to the caller,
// which must stop dispatching and not retry (SPEC_FULL.md §4.4, §8).
//
// Reads are served against the speculative view: the batch's not-yet-
// committed overlay from earlier transactions in this block, layered under
// this context's own not-yet-finalized writes, layered under the block's
// parent-rooted committed state.
func (s *Scheduler) ReadState(contextID string, addresses []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[contextID]
	if !ok || c.finalized {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	bs := s.batches[c.batchIdx]

	for _, addr := range addresses {
		if !ledgertypes.AnyPrefixMatches(addr, c.tx.Header.Inputs) {
			reason := fmt.Sprintf("%v: read %s outside declared inputs", ErrAuthorizationViolation, addr)
			s.failTransactionLocked(bs, c, ledgertypes.ResultInvalid, reason)
			return nil, fmt.Errorf("%w: read %s outside declared inputs", ErrAuthorizationViolation, addr)
		}
	}

	out := make(map[string][]byte, len(addresses))
	for _, addr := range addresses {
		if v, ok := overlayLookup(c.writes, addr); ok {
			if v != nil {
				out[addr] = v
			}
			continue
		}
		if v, ok := overlayLookup(bs.overlay, addr); ok {
			if v != nil {
				out[addr] = v
			}
			continue
		}
		v, ok, err := s.st.Read(s.curRoot, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			out[addr] = v
		}
	}
	return out, nil
}

// WriteState buffers a speculative write on contextID, enforcing it lands
// inside tx.Header.Outputs. Writes are held on the context rather than
// merged into the batch overlay immediately, so a context later rolled
// back by a failing sibling never leaks a partial write into ReadState for
// the rest of the batch. Finalize folds buffered writes into the batch
// overlay once the transaction completes successfully.
func (s *Scheduler) WriteState(contextID, address string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[contextID]
	if !ok || c.finalized {
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}

	if !ledgertypes.AnyPrefixMatches(address, c.tx.Header.Outputs) {
		bs := s.batches[c.batchIdx]
		reason := fmt.Sprintf("%v: wrote %s outside declared outputs", ErrAuthorizationViolation, address)
		s.failTransactionLocked(bs, c, ledgertypes.ResultInvalid, reason)
		return fmt.Errorf("%w: wrote %s outside declared outputs", ErrAuthorizationViolation, address)
	}

	c.writes = append(c.writes, ledgertypes.AddressChange{Address: address, Value: value})
	return nil
}

// AddEvent buffers an event emitted by contextID's processor, folded into
// its receipt at Finalize.
func (s *Scheduler) AddEvent(contextID string, ev ledgertypes.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[contextID]
	if !ok || c.finalized {
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	c.events = append(c.events, ev)
	return nil
}

// AddExtendedData appends to contextID's extended receipt data, folded into
// its receipt at Finalize.
func (s *Scheduler) AddExtendedData(contextID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[contextID]
	if !ok || c.finalized {
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	c.extendedData = append(c.extendedData, data...)
	return nil
}

// Finalize reports outcome for a previously dispatched context.
func (s *Scheduler) Finalize(contextID string, outcome TransactionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[contextID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	if c.finalized {
		return nil
	}
	bs := s.batches[c.batchIdx]
	c.finalized = true
	bs.pendingCount--

	// Writes/events/extended data streamed in during dispatch via
	// WriteState/AddEvent/AddExtendedData take effect alongside whatever
	// the processor's final response additionally reports.
	outcome.StateChanges = append(append([]ledgertypes.AddressChange{}, c.writes...), outcome.StateChanges...)
	outcome.Events = append(append([]ledgertypes.Event{}, c.events...), outcome.Events...)
	outcome.ExtendedData = append(append([]byte{}, c.extendedData...), outcome.ExtendedData...)

	if bs.failed {
		// Sibling transaction already doomed this batch; this result is
		// moot, but still record a receipt so callers see a complete set.
		bs.receipts = append(bs.receipts, ledgertypes.TransactionReceipt{
			TransactionID: c.tx.ID(),
			Kind:          ledgertypes.ResultInvalid,
			ErrorMessage:  "batch rolled back: " + bs.failReason,
		})
		if bs.pendingCount == 0 {
			s.finishBatchLocked(bs)
		}
		return nil
	}

	if outcome.Kind == ledgertypes.ResultInvalid {
		bs.failed = true
		bs.failReason = outcome.ErrorMessage
		bs.receipts = append(bs.receipts, ledgertypes.TransactionReceipt{
			TransactionID: c.tx.ID(),
			Kind:          ledgertypes.ResultInvalid,
			ErrorMessage:  outcome.ErrorMessage,
			Events:        outcome.Events,
			ExtendedData:  outcome.ExtendedData,
		})
		if bs.pendingCount == 0 {
			s.finishBatchLocked(bs)
		}
		return nil
	}

	for _, change := range outcome.StateChanges {
		if !ledgertypes.AnyPrefixMatches(change.Address, c.tx.Header.Outputs) {
			bs.failed = true
			bs.failReason = fmt.Sprintf("%v: wrote %s outside declared outputs", ErrAuthorizationViolation, change.Address)
			bs.receipts = append(bs.receipts, ledgertypes.TransactionReceipt{
				TransactionID: c.tx.ID(),
				Kind:          ledgertypes.ResultInvalid,
				ErrorMessage:  bs.failReason,
			})
			if bs.pendingCount == 0 {
				s.finishBatchLocked(bs)
			}
			return nil
		}
	}

	bs.overlay = append(bs.overlay, outcome.StateChanges...)
	bs.receipts = append(bs.receipts, ledgertypes.TransactionReceipt{
		TransactionID: c.tx.ID(),
		Kind:          ledgertypes.ResultValid,
		Events:        outcome.Events,
		ExtendedData:  outcome.ExtendedData,
		StateChanges:  outcome.StateChanges,
	})
	s.blockCommittedTxIDs[c.tx.ID()] = true

	if bs.pendingCount == 0 {
		s.finishBatchLocked(bs)
	}
	return nil
}

// finishBatchLocked commits or discards bs's overlay once every
// transaction in it has been finalized. Caller holds s.mu.
func (s *Scheduler) finishBatchLocked(bs *batchState) {
	if bs.failed {
		bs.applied = false
		s.log.Printf("batch %s rolled back: %s", bs.batch.ID(), bs.failReason)
		for _, r := range bs.receipts {
			if r.Kind == ledgertypes.ResultValid {
				delete(s.blockCommittedTxIDs, r.TransactionID)
			}
		}
		if s.metrics != nil {
			s.metrics.BatchesRolledBackTotal.Inc()
		}
		return
	}
	newRoot, err := s.st.Commit(s.curRoot, bs.overlay)
	if err != nil {
		bs.applied = false
		bs.failed = true
		bs.failReason = fmt.Sprintf("commit failed: %v", err)
		s.log.Printf("batch %s commit failed: %v", bs.batch.ID(), err)
		if s.metrics != nil {
			s.metrics.BatchesRolledBackTotal.Inc()
		}
		return
	}
	s.curRoot = newRoot
	bs.applied = true
	if s.metrics != nil {
		s.metrics.BatchesAppliedTotal.Inc()
	}
}

// Finish blocks until every added batch has been finalized (every
// transaction in it finalized one way or another), or the Scheduler's
// timeout elapses, then returns the per-batch results and the resulting
// state root.
func (s *Scheduler) Finish() ([]ledgertypes.BatchResult, string, error) {
	deadline := time.Now().Add(s.timeout)
	for {
		s.mu.Lock()
		drained := true
		for _, bs := range s.batches {
			if !bs.failed && bs.pendingCount > 0 {
				drained = false
				break
			}
		}
		if drained {
			results := make([]ledgertypes.BatchResult, len(s.batches))
			for i, bs := range s.batches {
				results[i] = ledgertypes.BatchResult{
					BatchID:  bs.batch.ID(),
					Applied:  bs.applied,
					Receipts: bs.receipts,
				}
			}
			root := s.curRoot
			s.mu.Unlock()
			return results, root, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, "", ErrSchedulerTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

