// Package execution implements the Scheduler (speculative execution
// against a chain of MerkleState overlays, with authorization and
// dependency enforcement) and the Executor (outbound dispatch to external
// transaction processors over pkg/wire).
//
// Grounded on the teacher's pkg/consensus.ValidatorBlock processing
// pipeline for the overall "collect transactions, run them, collect
// results, compute a new root" shape, and on
// pkg/consensus.ConsensusHealthMonitor for the struct-with-mutex-and-
// logger template reused throughout.
package execution

import "errors"

// ErrAuthorizationViolation is returned/recorded when a transaction reads
// or writes an address outside its declared input/output prefixes.
var ErrAuthorizationViolation = errors.New("execution: authorization violation")

// ErrUnmetDependency is recorded when a transaction's declared dependency
// has not been committed in this block or an ancestor.
var ErrUnmetDependency = errors.New("execution: unmet dependency")

// ErrUnknownContext is returned when Finalize, ReadState, or WriteState is
// called with a context id the Scheduler never dispatched.
var ErrUnknownContext = errors.New("execution: unknown context id")

// ErrSchedulerTimeout is returned by Finish if batches remain pending when
// the deadline expires.
var ErrSchedulerTimeout = errors.New("execution: scheduler timed out waiting for transactions to finish")

// ErrNoProcessorAvailable is the NoProcessor transaction outcome, recorded
// by the Executor (as an Invalid result) once its dispatch deadline elapses
// with no worker registered for the transaction's family/version.
var ErrNoProcessorAvailable = errors.New("execution: no processor available")
