// Package cryptocodec implements the chunk-framed AEAD reader/writer and
// the atomic serialize-encrypt helper described in spec.md §4.2. It is the
// lowest non-leaf layer of the core: Store, KeyManager and everything above
// them encrypt and decrypt exclusively through this package.
package cryptocodec

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherID identifies one of the two supported AEAD constructions. It is a
// closed, small set, so dispatch is a switch rather than a registry of
// plugins — per spec.md §9 ("prefer a tagged variant with static dispatch").
type CipherID uint8

const (
	CipherChaCha20Poly1305 CipherID = 1
	CipherAES256GCM        CipherID = 2
)

// KeySize is the key length required by both supported ciphers.
const KeySize = 32

// NonceSize is the nonce length required by both supported ciphers.
const NonceSize = 12

// TagSize is the authentication tag length appended by both ciphers.
const TagSize = 16

func (c CipherID) String() string {
	switch c {
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	case CipherAES256GCM:
		return "aes-256-gcm"
	default:
		return fmt.Sprintf("cipher(%d)", uint8(c))
	}
}

// Valid reports whether c names a supported cipher.
func (c CipherID) Valid() bool {
	return c == CipherChaCha20Poly1305 || c == CipherAES256GCM
}

// NewAEAD constructs a cipher.AEAD for the given cipher and key. key must
// be exactly KeySize bytes.
func NewAEAD(id CipherID, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptocodec: key must be %d bytes, got %d", KeySize, len(key))
	}
	switch id {
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("cryptocodec: aes: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("cryptocodec: unsupported cipher id %d", id)
	}
}
