package store

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// nameHashKeyInfo is the HKDF context string that derives the dedicated
// name-hashing key from the master key, per spec.md §4.3. Domain
// separation here means a name hash can never be confused with any other
// key derived from the same master key (e.g. the master key itself, or a
// future per-feature subkey).
const nameHashKeyInfo = "cryptofs/name-hash-key/v1"

// NameHashKeySize is the width of the derived name-hashing key.
const NameHashKeySize = 32

// DeriveNameHashKey derives the name-hashing key from the master key via
// HKDF-SHA256, domain-separated by nameHashKeyInfo so that two keys derived
// from the same master key for different purposes never collide.
func DeriveNameHashKey(masterKey []byte) ([]byte, error) {
	out := make([]byte, NameHashKeySize)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(nameHashKeyInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("store: deriving name-hash key: %w", err)
	}
	return out, nil
}

var nameHashEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// HashName maps a cleartext child name, scoped to its parent inode, to its
// on-disk entry filename: a keyed BLAKE2b-256 hash of (parent, name) under
// nameHashKey, base32-encoded into a filesystem-safe alphabet. Mixing the
// parent into the hash input — not just the entries/<parent>/ directory
// component of the path — is what makes two identical child names under
// different parents hash to different digests, per spec.md §3.
func HashName(nameHashKey []byte, parent uint64, name string) (string, error) {
	h, err := blake2b.New256(nameHashKey)
	if err != nil {
		return "", fmt.Errorf("store: keyed hash: %w", err)
	}
	var parentBuf [8]byte
	binary.BigEndian.PutUint64(parentBuf[:], parent)
	h.Write(parentBuf[:])
	h.Write([]byte(name))
	digest := h.Sum(nil)
	return nameHashEncoding.EncodeToString(digest), nil
}
