package blockstore

import (
	"encoding/json"
	"fmt"

	"github.com/certenlabs/ledgervalidator/pkg/kvstore"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
)

// BlockStore is the durable record of every block, batch, and transaction
// the validator has ever seen, plus the single chain-head pointer.
//
// CONCURRENCY: UpdateChainHead is the only method that must be
// compare-and-swapped; callers serialize it themselves (ChainController
// runs a single commit goroutine). Put/Get methods are safe for concurrent
// use directly against the underlying KV.
type BlockStore struct {
	db kvstore.DB
}

// New wraps db as a BlockStore.
func New(db kvstore.DB) *BlockStore {
	return &BlockStore{db: db}
}

func blockKey(id string) []byte {
	return kvstore.WithPrefix(kvstore.PrefixBlock, []byte(id))
}

func blockNumKey(num uint64) []byte {
	return kvstore.WithPrefix(kvstore.PrefixBlockByNum, []byte(fmt.Sprintf("%020d", num)))
}

func txIndexKey(id string) []byte {
	return kvstore.WithPrefix(kvstore.PrefixTxIndex, []byte(id))
}

func batchIndexKey(id string) []byte {
	return kvstore.WithPrefix(kvstore.PrefixBatchIndex, []byte(id))
}

// blockRecord is the on-disk envelope for a block. ledgertypes.Block is
// encoded as JSON here: the canonical RLP/signature bytes it already
// carries (HeaderBytes, HeaderSignature) are preserved verbatim inside it,
// so re-marshaling to JSON for local storage never touches anything that
// must round-trip byte-for-byte across processes.
type blockRecord struct {
	Block ledgertypes.Block
}

// Put persists block, indexing it by id, by block number, and indexing
// every batch and transaction id it contains so HasBatch/HasTransaction
// can answer in O(1) without scanning blocks.
func (s *BlockStore) Put(block ledgertypes.Block) error {
	id := block.ID()
	rec := blockRecord{Block: block}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("blockstore: marshal block %s: %w", id, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(blockKey(id), raw); err != nil {
		return err
	}
	if err := batch.Set(blockNumKey(block.Header.BlockNum), []byte(id)); err != nil {
		return err
	}
	for _, b := range block.Batches {
		if err := batch.Set(batchIndexKey(b.ID()), []byte(id)); err != nil {
			return err
		}
		for _, tx := range b.Transactions {
			if err := batch.Set(txIndexKey(tx.ID()), []byte(id)); err != nil {
				return err
			}
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("blockstore: put block %s: %w", id, err)
	}
	return nil
}

// GetByID returns the block with the given id.
func (s *BlockStore) GetByID(id string) (ledgertypes.Block, error) {
	raw, err := s.db.Get(blockKey(id))
	if err != nil {
		return ledgertypes.Block{}, fmt.Errorf("blockstore: get %s: %w", id, err)
	}
	if raw == nil {
		return ledgertypes.Block{}, fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	var rec blockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ledgertypes.Block{}, fmt.Errorf("blockstore: unmarshal %s: %w", id, err)
	}
	return rec.Block, nil
}

// GetByNumber returns the block at the given chain height. Since this core
// assumes a single linear committed chain (forks are resolved before
// commit), block number uniquely identifies a committed block.
func (s *BlockStore) GetByNumber(num uint64) (ledgertypes.Block, error) {
	raw, err := s.db.Get(blockNumKey(num))
	if err != nil {
		return ledgertypes.Block{}, fmt.Errorf("blockstore: get by number %d: %w", num, err)
	}
	if raw == nil {
		return ledgertypes.Block{}, fmt.Errorf("%w: block number %d", ErrNotFound, num)
	}
	return s.GetByID(string(raw))
}

// Has reports whether a block with id is present.
func (s *BlockStore) Has(id string) (bool, error) {
	raw, err := s.db.Get(blockKey(id))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// HasTransaction reports whether a committed block already contains a
// transaction with this id, used to enforce at-most-once inclusion.
func (s *BlockStore) HasTransaction(id string) (bool, error) {
	raw, err := s.db.Get(txIndexKey(id))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// HasBatch reports whether a committed block already contains a batch with
// this id.
func (s *BlockStore) HasBatch(id string) (bool, error) {
	raw, err := s.db.Get(batchIndexKey(id))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// Supersede removes id's batch and transaction index rows, leaving the
// block record itself (blockKey, blockNumKey) untouched. Used by
// ChainController when a fork switch drops a previously committed block:
// unlike the height index (overwritten by whichever block the chain
// actually commits at that number), the batch/transaction indexes are
// keyed by id and are never implicitly superseded by the winning fork, so
// the dropped block's batches would otherwise read as permanently
// double-included and could never be re-validated after re-entering the
// mempool.
func (s *BlockStore) Supersede(id string) error {
	block, err := s.GetByID(id)
	if err != nil {
		return fmt.Errorf("blockstore: supersede %s: %w", id, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, b := range block.Batches {
		if err := batch.Delete(batchIndexKey(b.ID())); err != nil {
			return err
		}
		for _, tx := range b.Transactions {
			if err := batch.Delete(txIndexKey(tx.ID())); err != nil {
				return err
			}
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("blockstore: supersede %s: %w", id, err)
	}
	return nil
}

// ChainHead returns the id of the current chain head, or "" if the chain
// has no committed blocks yet.
func (s *BlockStore) ChainHead() (string, error) {
	raw, err := s.db.Get(kvstore.KeyChainHead)
	if err != nil {
		return "", fmt.Errorf("blockstore: get chain head: %w", err)
	}
	return string(raw), nil
}

// UpdateChainHead advances the chain head from expectedOld to newID,
// atomically, failing with ErrChainHeadMismatch if another writer has
// already moved the head. This is the sole linearization point for
// ChainController commits (spec scenario 6: concurrent commit race).
func (s *BlockStore) UpdateChainHead(expectedOld, newID string) error {
	current, err := s.ChainHead()
	if err != nil {
		return err
	}
	if current != expectedOld {
		return fmt.Errorf("%w: expected %q, found %q", ErrChainHeadMismatch, expectedOld, current)
	}
	if err := s.db.SetSync(kvstore.KeyChainHead, []byte(newID)); err != nil {
		return fmt.Errorf("blockstore: update chain head: %w", err)
	}
	return nil
}
