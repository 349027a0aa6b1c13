package state

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// node is a single radix-trie node: up to 16 child hashes, nibble-indexed
// by one hex digit of an address, plus an optional leaf value. This is the
// single node shape SPEC_FULL.md §4.1 describes.
type node struct {
	Children [16][]byte
	HasValue bool
	Value    []byte
}

func newEmptyNode() node {
	return node{}
}

func (n node) isEmpty() bool {
	if n.HasValue {
		return false
	}
	for _, c := range n.Children {
		if len(c) != 0 {
			return false
		}
	}
	return true
}

// encode returns the canonical RLP encoding of n. RLP's field-order,
// fixed-array encoding makes two structurally identical nodes encode to
// identical bytes regardless of target language, satisfying the
// cross-language determinism requirement in SPEC_FULL.md §3.
func (n node) encode() ([]byte, error) {
	b, err := rlp.EncodeToBytes(&n)
	if err != nil {
		return nil, fmt.Errorf("state: encode node: %w", err)
	}
	return b, nil
}

func decodeNode(b []byte) (node, error) {
	var n node
	if err := rlp.DecodeBytes(b, &n); err != nil {
		return node{}, fmt.Errorf("state: decode node: %w", err)
	}
	return n, nil
}

// hashNode returns the content address of n's encoding.
func hashNode(encoded []byte) []byte {
	h := sha256.Sum256(encoded)
	return h[:]
}

// addressToPath converts a validated 70-character hex address into a
// 70-element nibble path (0-15 each), one nibble per hex digit. Because the
// address is already hex, no further nibble-splitting is required.
func addressToPath(addr string) ([]byte, error) {
	path := make([]byte, len(addr))
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		switch {
		case c >= '0' && c <= '9':
			path[i] = c - '0'
		case c >= 'a' && c <= 'f':
			path[i] = c - 'a' + 10
		default:
			return nil, fmt.Errorf("state: address %q has non-hex digit at %d", addr, i)
		}
	}
	return path, nil
}
