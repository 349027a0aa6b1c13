// Package cryptoutil wraps the secp256k1 primitives used to sign and verify
// transaction, batch, and block headers.
//
// Signatures are 64-byte compact R||S pairs over SHA-256(header bytes), with
// no DER wrapper and no recovery id, per the wire format in SPEC_FULL.md §6.
// Public keys travel compressed (33 bytes).
package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature is malformed or does not
// verify against the given public key and message.
var ErrInvalidSignature = errors.New("cryptoutil: invalid signature")

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// GenerateKey creates a new random signing key.
func GenerateKey() (*PrivateKey, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: generate key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes parses a 32-byte big-endian scalar into a signing key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	k, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse private key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// Bytes returns the raw 32-byte scalar.
func (p *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(p.key)
}

// PublicKey returns the compressed (33-byte) public key.
func (p *PrivateKey) PublicKey() []byte {
	return crypto.CompressPubkey(&p.key.PublicKey)
}

// Sign computes SHA-256(msg) and returns a 64-byte compact R||S signature.
func (p *PrivateKey) Sign(msg []byte) ([]byte, error) {
	h := sha256.Sum256(msg)
	sig, err := crypto.Sign(h[:], p.key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: sign: %w", err)
	}
	// crypto.Sign returns R(32) || S(32) || V(1); the wire format carries no
	// recovery id, so it is dropped here.
	return sig[:64], nil
}

// Verify checks a 64-byte R||S signature over SHA-256(msg) against a
// compressed public key.
func Verify(pubKeyCompressed, msg, sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("%w: signature must be 64 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	h := sha256.Sum256(msg)
	if !crypto.VerifySignature(pubKeyCompressed, h[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}

// FamilyNamespace derives the 6-hex-char family namespace
// convention used by transaction families from an arbitrary family name.
// It is exposed here because the namespace hash uses the same SHA-256
// primitive as signing; it has nothing to do with key material.
func FamilyNamespace(familyName string) string {
	h := sha256.Sum256([]byte(familyName))
	return fmt.Sprintf("%x", h[:3])
}
