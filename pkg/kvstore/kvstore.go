// Package kvstore opens the single ordered key-value store shared by
// BlockStore and MerkleState, per SPEC_FULL.md §6's persisted state layout:
// one physical database, three logical namespaces distinguished by key
// prefix (b:, n:/t:/x:, s:), plus a metadata row under m:.
//
// The backing engine is github.com/cometbft/cometbft-db, whose DB interface
// already matches the ordered-KV contract the core needs (Get/Set/Delete/
// Iterator/NewBatch) — no extra adapter type is introduced.
package kvstore

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// DB is the ordered key-value interface every core subsystem stores through.
type DB = dbm.DB

// Batch is an atomic group of writes.
type Batch = dbm.Batch

// Iterator walks a key range in order.
type Iterator = dbm.Iterator

// Open returns a durable LevelDB-backed store rooted at dir/name.
func Open(name, dir string) (DB, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s in %s: %w", name, dir, err)
	}
	return db, nil
}

// OpenMemory returns a volatile in-memory store, used by tests and by
// single-process dev-mode operation.
func OpenMemory() DB {
	db, err := dbm.NewDB("mem", dbm.MemDBBackend, "")
	if err != nil {
		// MemDBBackend never fails to open.
		panic(fmt.Sprintf("kvstore: memdb open: %v", err))
	}
	return db
}

// Key-prefix namespaces, per SPEC_FULL.md §6.
var (
	PrefixBlock       = []byte("b:")
	PrefixBlockByNum  = []byte("n:")
	PrefixTxIndex     = []byte("t:")
	PrefixBatchIndex  = []byte("x:")
	PrefixStateNode   = []byte("s:")
	KeyChainHead      = []byte("m:chain_head")
)

// WithPrefix concatenates a namespace prefix and a raw key.
func WithPrefix(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	out = append(out, key...)
	return out
}
