// Package blockstore provides durable, content-addressed storage for
// blocks, batches, and transactions, plus the chain-head pointer the
// ChainController advances under compare-and-swap.
//
// Grounded on the teacher's pkg/ledger.LedgerStore: JSON-encoded metadata
// records behind a small set of prefixed keys, sentinel errors instead of
// (nil, nil) returns, and a single-writer concurrency contract for the
// commit path.
package blockstore

import "errors"

// ErrNotFound is returned when a lookup key has no record.
var ErrNotFound = errors.New("blockstore: not found")

// ErrChainHeadMismatch is returned by UpdateChainHead when the expected
// current head does not match the persisted one, signaling a lost race
// against a concurrent writer.
var ErrChainHeadMismatch = errors.New("blockstore: chain head mismatch")
