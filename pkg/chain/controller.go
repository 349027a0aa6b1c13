// Package chain implements ChainController: the single-goroutine event
// loop that owns fork choice and the chain-head compare-and-swap, per
// SPEC_FULL.md §4.6.
//
// Grounded on the teacher's ValidatorApp event-driven ABCI lifecycle
// (NewBlock/FinalizeBlock/Commit arriving as discrete calls processed one
// at a time) and the ConsensusHealthMonitor struct-with-mutex-and-logger
// template, generalized here to a buffered-channel event loop since the
// controller's state machine (per-block Pending/Valid/Invalid/Committed/
// Superseded transitions) is naturally modeled as a sequence of messages
// rather than periodic polling.
package chain

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/certenlabs/ledgervalidator/pkg/blockmgr"
	"github.com/certenlabs/ledgervalidator/pkg/blockstore"
	"github.com/certenlabs/ledgervalidator/pkg/consensus"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/metrics"
	"github.com/certenlabs/ledgervalidator/pkg/validator"
)

type blockReceivedEvent struct {
	block            ledgertypes.Block
	locallyPublished bool
}

type consensusCommitEvent struct {
	blockID string
}

type chainHeadRequestEvent struct {
	reply chan string
}

// ReceiptWriter is the narrow surface Controller needs from pkg/receipts,
// kept as an interface so chain does not depend on database/sql or
// lib/pq directly.
type ReceiptWriter interface {
	WriteBlockReceipts(ctx context.Context, blockID string, results []ledgertypes.BatchResult) error
}

// BatchReinserter is the narrow surface Controller needs from
// pkg/publisher.Mempool, kept as an interface so chain never imports
// publisher (publisher already imports chain.Chain, an import in the other
// direction would cycle). A fork switch calls ReinsertFront, oldest-dropped
// batch last, for every batch in a superseded block so it becomes eligible
// for inclusion in a future block again.
type BatchReinserter interface {
	ReinsertFront(batch ledgertypes.Batch)
}

// Controller is the ChainController: it owns the chain-head pointer and is
// the sole writer to BlockStore and BlockManager status.
type Controller struct {
	blockMgr *blockmgr.Manager
	store    *blockstore.BlockStore
	engine   consensus.Engine
	pool     *validator.Pool

	events chan interface{}
	done   chan struct{}
	closed chan struct{}

	head string

	// pendingReceipts holds each Valid block's batch results from the
	// moment BlockValidator reports them until the block is either
	// committed (written to receipts and discarded) or superseded
	// (discarded without writing).
	pendingReceipts map[string][]ledgertypes.BatchResult

	log      *log.Logger
	metrics  *metrics.Metrics
	receipts ReceiptWriter
	mempool  BatchReinserter
}

// SetMetrics attaches m so chain head height and commit counts are
// reported. A nil or never-set m disables reporting.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// SetReceipts attaches a receipt index that is written to, additively and
// non-gating, on every commit. A nil or never-set value disables this.
func (c *Controller) SetReceipts(r ReceiptWriter) {
	c.receipts = r
}

// SetMempool attaches the pending-batch pool so a fork switch can reinsert
// dropped blocks' batches, per SPEC_FULL.md §4.7's at-most-once mempool
// discipline. A nil or never-set value leaves dropped batches unreinserted.
func (c *Controller) SetMempool(m BatchReinserter) {
	c.mempool = m
}

// New creates a Controller. initialHead is the chain head id already
// persisted in store (possibly "" for an empty chain).
func New(blockMgr *blockmgr.Manager, store *blockstore.BlockStore, engine consensus.Engine, pool *validator.Pool, initialHead string) *Controller {
	return &Controller{
		blockMgr:        blockMgr,
		store:           store,
		engine:          engine,
		pool:            pool,
		events:          make(chan interface{}, 256),
		done:            make(chan struct{}),
		closed:          make(chan struct{}),
		head:            initialHead,
		pendingReceipts: make(map[string][]ledgertypes.BatchResult),
		log:             log.New(os.Stderr, "[ChainController] ", log.LstdFlags),
	}
}

// Run drives the event loop until ctx is cancelled or Close is called. It
// must be run on its own goroutine; all chain-head mutation happens on this
// goroutine only.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.closed)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.events:
			c.handle(ev)
		case result := <-c.pool.Results:
			c.handleValidated(result)
		}
	}
}

// Close stops the event loop. It does not wait for in-flight validations.
func (c *Controller) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SubmitBlock registers block with the BlockManager and enqueues it for
// validation. locallyPublished must be true only for blocks this node's own
// BlockPublisher assembled.
func (c *Controller) SubmitBlock(ctx context.Context, block ledgertypes.Block, locallyPublished bool) error {
	if err := c.blockMgr.Put(block); err != nil {
		return fmt.Errorf("chain: register block %s: %w", block.ID(), err)
	}
	if err := c.blockMgr.SetStatus(block.ID(), ledgertypes.StatusPending); err != nil {
		return fmt.Errorf("chain: set pending %s: %w", block.ID(), err)
	}
	return c.pool.Submit(ctx, validator.Request{Block: block, LocallyPublished: locallyPublished})
}

// ChainHead returns the current committed chain head id.
func (c *Controller) ChainHead() (string, error) {
	reply := make(chan string, 1)
	select {
	case c.events <- chainHeadRequestEvent{reply: reply}:
	case <-c.closed:
		return "", ErrClosed
	}
	select {
	case head := <-reply:
		return head, nil
	case <-c.closed:
		return "", ErrClosed
	}
}

// BlockCommit implements consensus.Callbacks: an engine that settles a
// CheckBlock NeedMoreInfo verdict asynchronously notifies the controller
// through this method once consensus has committed the block.
func (c *Controller) BlockCommit(blockID string) {
	select {
	case c.events <- consensusCommitEvent{blockID: blockID}:
	case <-c.closed:
	}
}

// BlockNew, BlockValid, and BlockInvalid complete consensus.Callbacks.
// ChainController derives these transitions itself from BlockValidator
// results, so an engine's own notifications are only logged, not acted on
// a second time.
func (c *Controller) BlockNew(blockID string)     { c.log.Printf("engine reported new block %s", blockID) }
func (c *Controller) BlockValid(blockID string)   { c.log.Printf("engine reported valid block %s", blockID) }
func (c *Controller) BlockInvalid(blockID string) { c.log.Printf("engine reported invalid block %s", blockID) }

func (c *Controller) handle(ev interface{}) {
	switch e := ev.(type) {
	case chainHeadRequestEvent:
		e.reply <- c.head
	case consensusCommitEvent:
		if err := c.commitSingle(e.blockID); err != nil {
			c.log.Printf("consensus-directed commit of %s failed: %v", e.blockID, err)
		}
	default:
		c.log.Printf("unhandled event type %T", ev)
	}
}

func (c *Controller) handleValidated(result validator.Result) {
	switch result.Status {
	case ledgertypes.StatusInvalid:
		if err := c.blockMgr.SetStatus(result.BlockID, ledgertypes.StatusInvalid); err != nil {
			c.log.Printf("set invalid %s: %v", result.BlockID, err)
		}
		c.log.Printf("block %s invalid: %s", result.BlockID, result.FailureReason)
		return
	case ledgertypes.StatusPending:
		// NeedMoreInfo: leave Pending, awaiting a BlockCommit callback. Stash
		// the batch results now so they're available for the receipt write
		// whenever that callback eventually commits this block.
		c.pendingReceipts[result.BlockID] = result.BatchResults
		return
	case ledgertypes.StatusValid:
		if err := c.blockMgr.SetStatus(result.BlockID, ledgertypes.StatusValid); err != nil {
			c.log.Printf("set valid %s: %v", result.BlockID, err)
			return
		}
		c.pendingReceipts[result.BlockID] = result.BatchResults
	}

	if err := c.considerForkChoice(result.BlockID); err != nil {
		c.log.Printf("fork choice for %s: %v", result.BlockID, err)
	}
}

// considerForkChoice runs once candidateID is known Valid: it asks the
// engine to choose between the current head and the candidate, and on a
// win, switches the chain via fork diff.
func (c *Controller) considerForkChoice(candidateID string) error {
	candidate, err := c.blockMgr.Get(candidateID)
	if err != nil {
		return fmt.Errorf("load candidate %s: %w", candidateID, err)
	}

	if c.head == "" {
		return c.commitSingle(candidateID)
	}

	currentHead, err := c.blockMgr.Get(c.head)
	if err != nil {
		return fmt.Errorf("load current head %s: %w", c.head, err)
	}

	winner, err := c.engine.ChooseFork(currentHead, candidate)
	if err != nil {
		return fmt.Errorf("choose fork: %w", err)
	}
	if winner != candidateID {
		if err := c.blockMgr.SetStatus(candidateID, ledgertypes.StatusSuperseded); err != nil {
			c.log.Printf("set superseded %s: %v", candidateID, err)
		}
		delete(c.pendingReceipts, candidateID)
		return nil
	}

	return c.switchTo(candidateID)
}

// commitSingle commits exactly one block directly onto the current head,
// used for genesis and for the engine's asynchronous BlockCommit callback
// on an already-Valid block that never went through fork choice.
func (c *Controller) commitSingle(blockID string) error {
	block, err := c.blockMgr.Get(blockID)
	if err != nil {
		return fmt.Errorf("load %s: %w", blockID, err)
	}
	if err := c.store.Put(block); err != nil {
		return fmt.Errorf("persist %s: %w", blockID, err)
	}
	if err := c.store.UpdateChainHead(c.head, blockID); err != nil {
		return fmt.Errorf("%w", err)
	}
	if err := c.blockMgr.SetStatus(blockID, ledgertypes.StatusCommitted); err != nil {
		c.log.Printf("set committed %s: %v", blockID, err)
	}
	c.head = blockID
	if c.metrics != nil {
		c.metrics.BlocksCommittedTotal.Inc()
		c.metrics.ChainHeadHeight.Set(float64(block.Header.BlockNum))
	}
	c.writeReceipts(blockID)
	if err := c.engine.CommitBlock(blockID); err != nil {
		c.log.Printf("engine commit notification for %s: %v", blockID, err)
	}
	return nil
}

// writeReceipts flushes blockID's stashed batch results to the receipt
// index, if one is configured, and removes them from pendingReceipts
// either way. A write failure is logged only: receipts are a read-side
// projection, not part of consensus state, so they never gate commit.
func (c *Controller) writeReceipts(blockID string) {
	results, ok := c.pendingReceipts[blockID]
	delete(c.pendingReceipts, blockID)
	if !ok || c.receipts == nil {
		return
	}
	if err := c.receipts.WriteBlockReceipts(context.Background(), blockID, results); err != nil {
		c.log.Printf("receipt index write for %s failed: %v", blockID, err)
	}
}

// switchTo rewinds drop and applies add to make candidateID the new chain
// head, atomically with respect to BlockStore's CAS: the whole sequence
// runs on the controller goroutine without yielding, per §5's no-suspension
// rule for fork switches.
func (c *Controller) switchTo(candidateID string) error {
	drop, add, err := c.blockMgr.ForkDiff(c.head, candidateID)
	if err != nil {
		return fmt.Errorf("fork diff: %w", err)
	}

	originalHead := c.head

	// drop is newest-first; walking it in that order, each block's batches
	// last-to-first, means the final ReinsertFront call (each call pushes to
	// the front) is for the oldest dropped batch, so the mempool front holds
	// the batches in the same relative order they had before the blocks that
	// carried them were dropped.
	for _, b := range drop {
		if err := c.blockMgr.SetStatus(b.ID(), ledgertypes.StatusSuperseded); err != nil {
			c.log.Printf("set superseded %s: %v", b.ID(), err)
		}
		// A dropped block's batch/transaction index rows in BlockStore are
		// keyed by id, not by height, so unlike the height index they are
		// never overwritten by whichever block add[] ends up committing at
		// the same number. Without removing them here, a reinserted batch
		// would read back as already-committed at validator step 4 forever.
		if err := c.store.Supersede(b.ID()); err != nil {
			c.log.Printf("supersede indexes for %s: %v", b.ID(), err)
		}
		delete(c.pendingReceipts, b.ID())
		if c.mempool != nil {
			for j := len(b.Batches) - 1; j >= 0; j-- {
				c.mempool.ReinsertFront(b.Batches[j])
			}
		}
	}

	expected := originalHead
	for i, b := range add {
		if err := c.store.Put(b); err != nil {
			return fmt.Errorf("persist %s: %w", b.ID(), err)
		}
		if err := c.store.UpdateChainHead(expected, b.ID()); err != nil {
			c.log.Printf("fork switch aborted at block %d of %d (%s): %v; restoring head %s",
				i+1, len(add), b.ID(), err, originalHead)
			if restoreErr := c.store.UpdateChainHead(b.ID(), originalHead); restoreErr != nil {
				c.log.Printf("best-effort head restoration to %s failed: %v", originalHead, restoreErr)
			}
			for _, committed := range add[:i] {
				if serr := c.blockMgr.SetStatus(committed.ID(), ledgertypes.StatusValid); serr != nil {
					c.log.Printf("revert status for %s: %v", committed.ID(), serr)
				}
			}
			return fmt.Errorf("fork switch aborted: %w", err)
		}
		if err := c.blockMgr.SetStatus(b.ID(), ledgertypes.StatusCommitted); err != nil {
			c.log.Printf("set committed %s: %v", b.ID(), err)
		}
		c.head = b.ID()
		if c.metrics != nil {
			c.metrics.BlocksCommittedTotal.Inc()
			c.metrics.ChainHeadHeight.Set(float64(b.Header.BlockNum))
		}
		c.writeReceipts(b.ID())
		if err := c.engine.CommitBlock(b.ID()); err != nil {
			c.log.Printf("engine commit notification for %s: %v", b.ID(), err)
		}
		expected = b.ID()
	}
	return nil
}
