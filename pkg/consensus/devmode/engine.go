// Package devmode implements an in-process, deterministic ConsensusEngine
// used by tests and single-node operation: every block finalizes
// immediately, and fork choice always favors the higher block number
// (ties broken by block id), matching Sawtooth- and Tendermint-style
// dev-mode engines.
//
// Grounded on the teacher's in-process ValidatorApp default behavior
// before CometBFT's real BFT algorithm takes over — immediate, synchronous
// acceptance with no external round trip.
package devmode

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/certenlabs/ledgervalidator/pkg/consensus"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
)

// Engine is the deterministic, in-process ConsensusEngine.
type Engine struct {
	mu        sync.Mutex
	committed map[string]bool
	log       *log.Logger
}

// New creates a devmode Engine.
func New() *Engine {
	return &Engine{
		committed: make(map[string]bool),
		log:       log.New(os.Stderr, "[DevModeConsensus] ", log.LstdFlags),
	}
}

// InitializeBlock attaches no consensus payload; dev mode carries none.
func (e *Engine) InitializeBlock() ([]byte, error) { return nil, nil }

// SummarizeBlock passes the payload through unchanged.
func (e *Engine) SummarizeBlock(payload []byte) ([]byte, error) { return payload, nil }

// FinalizeBlock is a no-op: dev mode has nothing further to attach.
func (e *Engine) FinalizeBlock(ledgertypes.Block) error { return nil }

// CheckBlock always returns Valid: dev mode trusts the core's own
// structural and state-root validation entirely.
func (e *Engine) CheckBlock(ledgertypes.Block) (consensus.Verdict, error) {
	return consensus.VerdictValid, nil
}

// ChooseFork picks the higher block number, breaking ties by the
// lexicographically smaller block id for determinism across nodes that
// receive the same two candidates.
func (e *Engine) ChooseFork(currentHead, candidate ledgertypes.Block) (string, error) {
	if candidate.Header.BlockNum > currentHead.Header.BlockNum {
		return candidate.ID(), nil
	}
	if candidate.Header.BlockNum < currentHead.Header.BlockNum {
		return currentHead.ID(), nil
	}
	if strings.Compare(candidate.ID(), currentHead.ID()) < 0 {
		return candidate.ID(), nil
	}
	return currentHead.ID(), nil
}

// CommitBlock records the commit; dev mode has no external state to
// notify.
func (e *Engine) CommitBlock(blockID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.committed[blockID] = true
	return nil
}

// CancelBlock is a no-op.
func (e *Engine) CancelBlock() error { return nil }

// Committed reports whether blockID has been committed, used by tests.
func (e *Engine) Committed(blockID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committed[blockID]
}
