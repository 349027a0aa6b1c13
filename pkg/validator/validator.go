// Package validator implements BlockValidator: the seven-step algorithm
// that determines whether a candidate block is Valid and computes its new
// state root, per SPEC_FULL.md §4.5.
//
// Grounded on the teacher's pkg/consensus/validator_block.go validation
// pipeline (sequential checks, each capable of short-circuiting to a
// terminal verdict) and pkg/verification/unified_verifier.go's pattern of
// running several independent checks before consulting an external
// verifier.
package validator

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/certenlabs/ledgervalidator/pkg/blockmgr"
	"github.com/certenlabs/ledgervalidator/pkg/blockstore"
	"github.com/certenlabs/ledgervalidator/pkg/consensus"
	"github.com/certenlabs/ledgervalidator/pkg/execution"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/metrics"
	"github.com/certenlabs/ledgervalidator/pkg/procregistry"
	"github.com/certenlabs/ledgervalidator/pkg/state"
)

// Request carries everything Validate needs for one candidate block.
// LocallyPublished distinguishes a block this node's own BlockPublisher
// produced from one received over gossip, resolving the spec's empty-batch
// Open Question: a locally published block with zero successfully applied
// batches is Invalid (no progress); a received one is permitted to be
// Valid.
type Request struct {
	Block            ledgertypes.Block
	LocallyPublished bool
}

// Result is the outcome of validating a Request.
type Result struct {
	BlockID       string
	Status        ledgertypes.BlockStatus
	NewStateRoot  string
	BatchResults  []ledgertypes.BatchResult
	FailureReason string
}

// Validator runs the seven-step algorithm.
type Validator struct {
	state     *state.MerkleState
	store     *blockstore.BlockStore
	blockMgr  *blockmgr.Manager
	registry  *procregistry.Registry
	engine    consensus.Engine
	schedTO   time.Duration
	execCfg   execution.ExecutorConfig
	log       *log.Logger
	metrics   *metrics.Metrics
}

// SetMetrics attaches m so validation latency and rejection counts are
// reported. A nil or never-set m disables reporting.
func (v *Validator) SetMetrics(m *metrics.Metrics) {
	v.metrics = m
}

// New builds a Validator.
func New(st *state.MerkleState, store *blockstore.BlockStore, blockMgr *blockmgr.Manager, registry *procregistry.Registry, engine consensus.Engine, schedulerTimeout time.Duration, execCfg execution.ExecutorConfig) *Validator {
	return &Validator{
		state:    st,
		store:    store,
		blockMgr: blockMgr,
		registry: registry,
		engine:   engine,
		schedTO:  schedulerTimeout,
		execCfg:  execCfg,
		log:      log.New(os.Stderr, "[BlockValidator] ", log.LstdFlags),
	}
}

func invalid(blockID, reason string) Result {
	return Result{BlockID: blockID, Status: ledgertypes.StatusInvalid, FailureReason: reason}
}

// Validate runs all seven steps against req.Block.
func (v *Validator) Validate(req Request) Result {
	start := time.Now()
	result := v.validate(req)
	if v.metrics != nil {
		v.metrics.ValidationLatency.Observe(time.Since(start).Seconds())
		if result.Status == ledgertypes.StatusInvalid {
			v.metrics.BlocksRejectedTotal.Inc()
		}
	}
	return result
}

func (v *Validator) validate(req Request) Result {
	block := req.Block
	id := block.ID()

	// Step 1: block header signature.
	if err := block.VerifySignature(); err != nil {
		return invalid(id, fmt.Sprintf("block signature: %v", err))
	}

	// Step 2: every batch and transaction header signature.
	for _, batch := range block.Batches {
		if err := batch.VerifySignature(); err != nil {
			return invalid(id, fmt.Sprintf("batch %s signature: %v", batch.ID(), err))
		}
		for _, tx := range batch.Transactions {
			if err := tx.VerifySignature(); err != nil {
				return invalid(id, fmt.Sprintf("transaction %s signature: %v", tx.ID(), err))
			}
		}
	}

	// Step 3: previous_id points to a Committed block (genesis exempt).
	var predecessorRoot string
	if block.IsGenesis() {
		predecessorRoot = state.EmptyRoot
	} else {
		if v.blockMgr.Status(block.Header.PreviousBlockID) != ledgertypes.StatusCommitted {
			return invalid(id, fmt.Sprintf("predecessor %s is not committed", block.Header.PreviousBlockID))
		}
		predecessor, err := v.blockMgr.Get(block.Header.PreviousBlockID)
		if err != nil {
			return invalid(id, fmt.Sprintf("predecessor %s not resident: %v", block.Header.PreviousBlockID, err))
		}
		predecessorRoot = predecessor.Header.StateRootHash
	}

	// Step 4: no transaction or batch id already present in an ancestor.
	for _, batch := range block.Batches {
		has, err := v.store.HasBatch(batch.ID())
		if err != nil {
			return invalid(id, fmt.Sprintf("checking batch duplication: %v", err))
		}
		if has {
			return invalid(id, fmt.Sprintf("batch %s already committed", batch.ID()))
		}
		for _, tx := range batch.Transactions {
			has, err := v.store.HasTransaction(tx.ID())
			if err != nil {
				return invalid(id, fmt.Sprintf("checking transaction duplication: %v", err))
			}
			if has {
				return invalid(id, fmt.Sprintf("transaction %s already committed", tx.ID()))
			}
		}
	}

	// Step 5: run the Scheduler/Executor against the predecessor's state.
	priorCommitted := func(txID string) bool {
		has, err := v.store.HasTransaction(txID)
		if err != nil {
			v.log.Printf("checking prior commit of %s: %v", txID, err)
			return false
		}
		return has
	}
	sched := execution.New(v.state, predecessorRoot, priorCommitted, v.schedTO)
	sched.SetMetrics(v.metrics)
	for _, batch := range block.Batches {
		sched.AddBatch(batch)
	}
	exec := execution.NewExecutor(sched, v.registry, v.execCfg)
	exec.SetMetrics(v.metrics)
	batchResults, newRoot, err := exec.Run()
	if err != nil {
		return invalid(id, fmt.Sprintf("execution: %v", err))
	}

	appliedCount := 0
	for _, br := range batchResults {
		if br.Applied {
			appliedCount++
		}
	}
	if appliedCount == 0 && req.LocallyPublished {
		return invalid(id, "no-progress: zero batches applied in a locally published block")
	}

	// Step 6: declared state root must match the computed one.
	if newRoot != block.Header.StateRootHash {
		return Result{
			BlockID:       id,
			Status:        ledgertypes.StatusInvalid,
			FailureReason: fmt.Sprintf("state root mismatch: computed %s, declared %s", newRoot, block.Header.StateRootHash),
		}
	}

	// Step 7: consult the consensus engine.
	verdict, err := v.engine.CheckBlock(block)
	if err != nil {
		return invalid(id, fmt.Sprintf("consensus check: %v", err))
	}
	switch verdict {
	case consensus.VerdictValid:
		return Result{BlockID: id, Status: ledgertypes.StatusValid, NewStateRoot: newRoot, BatchResults: batchResults}
	case consensus.VerdictNeedMoreInfo:
		return Result{BlockID: id, Status: ledgertypes.StatusPending, NewStateRoot: newRoot, BatchResults: batchResults}
	default:
		return invalid(id, "consensus engine rejected block")
	}
}
