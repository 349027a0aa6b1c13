// Package consensus defines the pluggable interface between the core and
// an external consensus algorithm (PoET, PBFT, or a deterministic
// dev-mode engine), per SPEC_FULL.md §4.8. The core never implements
// consensus itself; it only calls through this interface and receives
// callbacks on it.
//
// Grounded on the teacher's pkg/consensus.ValidatorApp, which plays the
// same pluggable-backend role for CometBFT's ABCI: a small interface the
// core drives, with block lifecycle notifications flowing back through
// callback fields rather than a synchronous return value.
package consensus

import "github.com/certenlabs/ledgervalidator/pkg/ledgertypes"

// Verdict is the result of CheckBlock.
type Verdict int

const (
	VerdictValid Verdict = iota
	VerdictInvalid
	VerdictNeedMoreInfo
)

// Engine is the interface the ChainController and BlockPublisher drive
// against. Two implementations ship: devmode.Engine (in-process,
// deterministic) and remote.Engine (a pkg/wire-framed client for an
// out-of-process engine).
type Engine interface {
	// InitializeBlock is called by the Publisher before assembling a new
	// candidate block, letting the engine attach consensus-specific
	// opaque payload data.
	InitializeBlock() ([]byte, error)

	// SummarizeBlock is called once the candidate's batches are chosen,
	// letting the engine finalize its consensus payload ahead of signing.
	SummarizeBlock(payload []byte) ([]byte, error)

	// FinalizeBlock is called immediately before the block is signed and
	// published.
	FinalizeBlock(block ledgertypes.Block) error

	// CheckBlock asks the engine to verify a fully assembled candidate.
	// VerdictNeedMoreInfo means validation is suspended pending a later
	// BlockCommit callback for the same block id.
	CheckBlock(block ledgertypes.Block) (Verdict, error)

	// ChooseFork asks the engine to pick a winner between the current
	// chain head and a newly validated candidate.
	ChooseFork(currentHead, candidate ledgertypes.Block) (winnerID string, err error)

	// CommitBlock notifies the engine a block has been committed.
	CommitBlock(blockID string) error

	// CancelBlock notifies the engine that in-progress block assembly
	// was abandoned (e.g. a new chain head arrived mid-assembly).
	CancelBlock() error
}

// Callbacks lets an Engine implementation notify the ChainController of
// asynchronous block lifecycle events it did not directly cause, such as a
// NeedMoreInfo verdict resolving later.
type Callbacks interface {
	BlockNew(blockID string)
	BlockValid(blockID string)
	BlockInvalid(blockID string)
	BlockCommit(blockID string)
}
