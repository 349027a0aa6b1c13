package ledgertypes

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressLength is the fixed length, in hex characters, of a state address.
const AddressLength = 70

// NamespaceLength is the length, in hex characters, of the family namespace
// prefix at the front of every address.
const NamespaceLength = 6

// ErrInvalidAddress is returned by ValidateAddress when a candidate address
// is not exactly AddressLength lower-case hex characters.
var ErrInvalidAddress = errors.New("ledgertypes: invalid address")

// ValidateAddress checks that addr is exactly 70 lower-case hex characters.
func ValidateAddress(addr string) error {
	if len(addr) != AddressLength {
		return fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidAddress, addr, len(addr), AddressLength)
	}
	if _, err := hex.DecodeString(addr); err != nil {
		return fmt.Errorf("%w: %q is not hex: %v", ErrInvalidAddress, addr, err)
	}
	for _, c := range addr {
		if c >= 'A' && c <= 'F' {
			return fmt.Errorf("%w: %q must be lower-case", ErrInvalidAddress, addr)
		}
	}
	return nil
}

// Namespace returns the 6-character family namespace prefix of addr.
// Callers must validate addr first.
func Namespace(addr string) string {
	return addr[:NamespaceLength]
}

// HasPrefix reports whether addr begins with prefix. prefix must be between
// 1 and AddressLength hex characters; this is used to check declared
// input/output address prefixes against concrete access addresses.
func HasPrefix(addr, prefix string) bool {
	if len(prefix) == 0 || len(prefix) > AddressLength || len(prefix) > len(addr) {
		return false
	}
	return addr[:len(prefix)] == prefix
}

// AnyPrefixMatches reports whether addr matches at least one of prefixes.
func AnyPrefixMatches(addr string, prefixes []string) bool {
	for _, p := range prefixes {
		if HasPrefix(addr, p) {
			return true
		}
	}
	return false
}
