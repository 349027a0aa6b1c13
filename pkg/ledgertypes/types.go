// Package ledgertypes defines the immutable wire-level data model shared by
// every core subsystem: transactions, batches, blocks, and the canonical
// encoding and id scheme that binds them together.
//
// Every signed object follows the same shape: a header struct that is RLP
// encoded to produce canonical bytes, a 64-byte secp256k1 signature over
// SHA-256 of those bytes, and an id that is the hex-encoded SHA-512 digest
// of the header bytes.
package ledgertypes

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/certenlabs/ledgervalidator/pkg/cryptoutil"
	"github.com/ethereum/go-ethereum/rlp"
)

// TransactionHeader is the signed portion of a Transaction.
type TransactionHeader struct {
	FamilyName      string
	FamilyVersion   string
	Inputs          []string
	Outputs         []string
	Dependencies    []string
	PayloadHash     []byte
	BatcherPubKey   []byte
	SignerPubKey    []byte
	Nonce           string
}

// Transaction is an immutable, signed unit of ledger work.
type Transaction struct {
	Header          TransactionHeader
	HeaderBytes     []byte
	HeaderSignature []byte
	Payload         []byte
}

// BatchHeader is the signed portion of a Batch.
type BatchHeader struct {
	SignerPubKey   []byte
	TransactionIDs []string
	Trace          bool
}

// Batch is the atomic unit of transaction inclusion: either every
// transaction in it applies, or none do.
type Batch struct {
	Header          BatchHeader
	HeaderBytes     []byte
	HeaderSignature []byte
	Transactions    []Transaction
}

// BlockHeader is the signed portion of a Block.
type BlockHeader struct {
	PreviousBlockID  string
	BlockNum         uint64
	SignerPubKey     []byte
	BatchIDs         []string
	StateRootHash    string
	ConsensusPayload []byte
}

// Block chains batches into an ordered, authenticated history.
type Block struct {
	Header          BlockHeader
	HeaderBytes     []byte
	HeaderSignature []byte
	Batches         []Batch
}

// GenesisPreviousID is the canonical previous-block-id of the genesis block.
const GenesisPreviousID = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// HashID returns the hex-encoded SHA-512 digest of headerBytes, the id
// scheme used uniformly for transactions, batches, and blocks.
func HashID(headerBytes []byte) string {
	sum := sha512.Sum512(headerBytes)
	return hex.EncodeToString(sum[:])
}

// EncodeHeader RLP-encodes any header struct into its canonical byte form.
func EncodeHeader(header interface{}) ([]byte, error) {
	b, err := rlp.EncodeToBytes(header)
	if err != nil {
		return nil, fmt.Errorf("ledgertypes: encode header: %w", err)
	}
	return b, nil
}

// PayloadHash returns SHA-256(payload), used to populate
// TransactionHeader.PayloadHash.
func PayloadHash(payload []byte) []byte {
	h := sha256.Sum256(payload)
	return h[:]
}

// SignTransaction builds HeaderBytes from header, signs SHA-256(HeaderBytes)
// with signer, and returns the fully assembled, ready-to-gossip Transaction.
// header.SignerPubKey must already match signer's public key.
func SignTransaction(header TransactionHeader, payload []byte, signer *cryptoutil.PrivateKey) (Transaction, error) {
	headerBytes, err := EncodeHeader(header)
	if err != nil {
		return Transaction{}, err
	}
	sig, err := signer.Sign(headerBytes)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledgertypes: sign transaction: %w", err)
	}
	return Transaction{
		Header:          header,
		HeaderBytes:     headerBytes,
		HeaderSignature: sig,
		Payload:         payload,
	}, nil
}

// ID returns the transaction id: hex(SHA-512(HeaderBytes)).
func (t Transaction) ID() string { return HashID(t.HeaderBytes) }

// VerifySignature checks the header signature against the declared signer key.
func (t Transaction) VerifySignature() error {
	return cryptoutil.Verify(t.Header.SignerPubKey, t.HeaderBytes, t.HeaderSignature)
}

// SignBatch builds HeaderBytes from header, signs it, and returns the
// assembled Batch. Transactions must already be individually signed; their
// ids, in order, must equal header.TransactionIDs.
func SignBatch(header BatchHeader, txns []Transaction, signer *cryptoutil.PrivateKey) (Batch, error) {
	headerBytes, err := EncodeHeader(header)
	if err != nil {
		return Batch{}, err
	}
	sig, err := signer.Sign(headerBytes)
	if err != nil {
		return Batch{}, fmt.Errorf("ledgertypes: sign batch: %w", err)
	}
	return Batch{
		Header:          header,
		HeaderBytes:     headerBytes,
		HeaderSignature: sig,
		Transactions:    txns,
	}, nil
}

// ID returns the batch id: hex(SHA-512(HeaderBytes)).
func (b Batch) ID() string { return HashID(b.HeaderBytes) }

// VerifySignature checks the batch header signature.
func (b Batch) VerifySignature() error {
	return cryptoutil.Verify(b.Header.SignerPubKey, b.HeaderBytes, b.HeaderSignature)
}

// SignBlock builds HeaderBytes from header, signs it, and returns the
// assembled Block.
func SignBlock(header BlockHeader, batches []Batch, signer *cryptoutil.PrivateKey) (Block, error) {
	headerBytes, err := EncodeHeader(header)
	if err != nil {
		return Block{}, err
	}
	sig, err := signer.Sign(headerBytes)
	if err != nil {
		return Block{}, fmt.Errorf("ledgertypes: sign block: %w", err)
	}
	return Block{
		Header:          header,
		HeaderBytes:     headerBytes,
		HeaderSignature: sig,
		Batches:         batches,
	}, nil
}

// ID returns the block id: hex(SHA-512(HeaderBytes)).
func (b Block) ID() string { return HashID(b.HeaderBytes) }

// VerifySignature checks the block header signature.
func (b Block) VerifySignature() error {
	return cryptoutil.Verify(b.Header.SignerPubKey, b.HeaderBytes, b.HeaderSignature)
}

// IsGenesis reports whether b is the genesis block.
func (b Block) IsGenesis() bool {
	return b.Header.BlockNum == 0 && b.Header.PreviousBlockID == GenesisPreviousID
}

// AddressChange is a single write or delete: Value == nil means delete.
type AddressChange struct {
	Address string
	Value   []byte
}

// BlockStatus is the tagged lifecycle state of a block known to the core.
type BlockStatus int

const (
	StatusUnknown BlockStatus = iota
	StatusMissing
	StatusPending
	StatusInvalid
	StatusValid
	StatusCommitted
	StatusSuperseded
)

func (s BlockStatus) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusMissing:
		return "Missing"
	case StatusPending:
		return "Pending"
	case StatusInvalid:
		return "Invalid"
	case StatusValid:
		return "Valid"
	case StatusCommitted:
		return "Committed"
	case StatusSuperseded:
		return "Superseded"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is a terminal state (Invalid or
// Committed never transition further per the block status invariant).
func (s BlockStatus) Terminal() bool {
	return s == StatusInvalid || s == StatusCommitted
}
