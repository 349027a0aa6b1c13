package publisher

import "errors"

// ErrPoolFull is returned by Mempool.Submit when the pool is already at its
// configured high-water mark.
var ErrPoolFull = errors.New("publisher: mempool full")

// ErrDuplicateBatch is returned by Mempool.Submit for a batch id already
// present in the pool.
var ErrDuplicateBatch = errors.New("publisher: duplicate batch")
