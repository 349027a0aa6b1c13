package publisher

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/certenlabs/ledgervalidator/pkg/blockmgr"
	"github.com/certenlabs/ledgervalidator/pkg/blockstore"
	"github.com/certenlabs/ledgervalidator/pkg/consensus"
	"github.com/certenlabs/ledgervalidator/pkg/cryptoutil"
	"github.com/certenlabs/ledgervalidator/pkg/execution"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/metrics"
	"github.com/certenlabs/ledgervalidator/pkg/procregistry"
	"github.com/certenlabs/ledgervalidator/pkg/state"
)

// Gossip broadcasts a locally assembled block to peers. A nil Gossip is
// permitted: the publisher then only submits to its own ChainController.
type Gossip interface {
	Broadcast(block ledgertypes.Block) error
}

// Chain is the narrow surface Publisher needs from a chain.Controller,
// kept as an interface so the two packages do not import each other.
type Chain interface {
	SubmitBlock(ctx context.Context, block ledgertypes.Block, locallyPublished bool) error
}

// Config controls one assembly round.
type Config struct {
	MaxBatches  int
	TimeBudget  time.Duration
	GraceWindow time.Duration
}

// DefaultConfig returns reasonable assembly bounds: up to 1000 batches, a
// 2 second time budget per block, and a 200ms grace window once the
// mempool backlog empties before finalizing early.
func DefaultConfig() Config {
	return Config{MaxBatches: 1000, TimeBudget: 2 * time.Second, GraceWindow: 200 * time.Millisecond}
}

// Publisher assembles candidate blocks from Mempool and submits them to
// Chain, per SPEC_FULL.md §4.7.
type Publisher struct {
	mempool  *Mempool
	state    *state.MerkleState
	blockMgr *blockmgr.Manager
	store    *blockstore.BlockStore
	engine   consensus.Engine
	registry *procregistry.Registry
	chain    Chain
	gossip   Gossip
	signer   *cryptoutil.PrivateKey
	cfg      Config
	execCfg  execution.ExecutorConfig
	log      *log.Logger
	metrics  *metrics.Metrics
}

// SetMetrics attaches m so assembly-time batch commit/rollback and
// processor latency are reported, and propagates it to the Mempool. A nil
// or never-set m disables reporting.
func (p *Publisher) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
	p.mempool.SetMetrics(m)
}

// New builds a Publisher. gossip may be nil.
func New(mempool *Mempool, st *state.MerkleState, blockMgr *blockmgr.Manager, store *blockstore.BlockStore, engine consensus.Engine, registry *procregistry.Registry, chain Chain, gossip Gossip, signer *cryptoutil.PrivateKey, cfg Config, execCfg execution.ExecutorConfig) *Publisher {
	return &Publisher{
		mempool:  mempool,
		state:    st,
		blockMgr: blockMgr,
		store:    store,
		engine:   engine,
		registry: registry,
		chain:    chain,
		gossip:   gossip,
		signer:   signer,
		cfg:      cfg,
		execCfg:  execCfg,
		log:      log.New(os.Stderr, "[BlockPublisher] ", log.LstdFlags),
	}
}

// AssembleAndPublish runs one full assembly round against parentID: it
// opens a Scheduler rooted at the predecessor's state, repeatedly pops
// batches from Mempool until a stop condition is reached, signs the
// resulting block, and submits it to Chain (and Gossip, if configured).
//
// The engine's initialize_block signal is what triggers a caller to invoke
// this method; its finalize_block is consulted only at the end of assembly
// to attach the engine's consensus payload, since this implementation runs
// assembly synchronously rather than modeling finalize_block as an
// asynchronous interrupt mid-loop.
func (p *Publisher) AssembleAndPublish(ctx context.Context, parentID string) (ledgertypes.Block, error) {
	parent, err := p.blockMgr.Get(parentID)
	if err != nil {
		return ledgertypes.Block{}, fmt.Errorf("publisher: load parent %s: %w", parentID, err)
	}

	consensusPayload, err := p.engine.InitializeBlock()
	if err != nil {
		return ledgertypes.Block{}, fmt.Errorf("publisher: initialize_block: %w", err)
	}

	priorCommitted := func(txID string) bool {
		has, err := p.store.HasTransaction(txID)
		if err != nil {
			p.log.Printf("checking prior commit of %s: %v", txID, err)
			return false
		}
		return has
	}
	sched := execution.New(p.state, parent.Header.StateRootHash, priorCommitted, p.execCfg.DispatchTimeout)
	sched.SetMetrics(p.metrics)
	exec := execution.NewExecutor(sched, p.registry, p.execCfg)
	exec.SetMetrics(p.metrics)

	var included []ledgertypes.Batch
	currentRoot := parent.Header.StateRootHash
	deadline := time.Now().Add(p.cfg.TimeBudget)
	lastActivity := time.Now()

	for {
		if len(included) >= p.cfg.MaxBatches {
			break
		}
		if time.Now().After(deadline) {
			break
		}

		batch, ok := p.mempool.PopOldest()
		if !ok {
			if time.Since(lastActivity) > p.cfg.GraceWindow {
				break
			}
			select {
			case <-ctx.Done():
				return ledgertypes.Block{}, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		sched.AddBatch(batch)
		results, root, err := exec.Run()
		if err != nil {
			p.log.Printf("batch %s execution error: %v, dropping", batch.ID(), err)
			continue
		}
		last := results[len(results)-1]
		if last.Applied {
			included = append(included, batch)
			currentRoot = root
			lastActivity = time.Now()
		} else {
			p.log.Printf("batch %s produced no valid transactions, dropping", batch.ID())
		}
	}

	finalPayload, err := p.engine.SummarizeBlock(consensusPayload)
	if err != nil {
		return ledgertypes.Block{}, fmt.Errorf("publisher: summarize_block: %w", err)
	}

	var batchIDs []string
	for _, b := range included {
		batchIDs = append(batchIDs, b.ID())
	}

	header := ledgertypes.BlockHeader{
		PreviousBlockID:  parentID,
		BlockNum:         parent.Header.BlockNum + 1,
		SignerPubKey:     p.signer.PublicKey(),
		BatchIDs:         batchIDs,
		StateRootHash:    currentRoot,
		ConsensusPayload: finalPayload,
	}
	block, err := ledgertypes.SignBlock(header, included, p.signer)
	if err != nil {
		return ledgertypes.Block{}, fmt.Errorf("publisher: sign block: %w", err)
	}

	if err := p.engine.FinalizeBlock(block); err != nil {
		return ledgertypes.Block{}, fmt.Errorf("publisher: finalize_block: %w", err)
	}

	if err := p.chain.SubmitBlock(ctx, block, true); err != nil {
		return ledgertypes.Block{}, fmt.Errorf("publisher: submit to chain: %w", err)
	}
	if p.gossip != nil {
		if err := p.gossip.Broadcast(block); err != nil {
			p.log.Printf("gossip broadcast of %s failed: %v", block.ID(), err)
		}
	}

	return block, nil
}
