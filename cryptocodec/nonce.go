package cryptocodec

import (
	"crypto/rand"
	"fmt"
)

// NewNonce draws a fresh cryptographically random nonce. Per spec.md §4.2,
// nonce uniqueness for a given master key is achieved by random generation
// plus (inode, chunk-index) domain separation in the AAD, not by a counter:
// a counter would require durable, crash-safe persistence of the next
// value, which the chunk-granular overwrite model here does not offer for
// free, whereas 96 bits of randomness makes collision negligible for any
// realistic number of chunks sealed under one master key.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("cryptocodec: generating nonce: %w", err)
	}
	return n, nil
}
