package cryptocodec

import (
	"crypto/cipher"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Seal encrypts plaintext under aad, returning nonce||ciphertext. This is
// the wire format for every small on-disk record (master-key file, inode
// attributes, directory entries).
func Seal(aead cipher.AEAD, aad, plaintext []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open reverses Seal, reporting a Corrupt-flavored error (left to the
// caller to classify: metadata records become fserrors.Corrupt, the
// master-key file becomes fserrors.WrongPassword) on authentication
// failure.
func Open(aead cipher.AEAD, aad, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("cryptocodec: sealed record too short (%d bytes)", len(sealed))
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("cryptocodec: aead open failed: %w", err)
	}
	return plaintext, nil
}

// WriteAtomic implements the write-temp, fsync-temp, rename, fsync-parent
// sequence from spec.md §9: "Atomic replacement". data is written to a
// sibling temporary file (named with a random uuid suffix so concurrent
// writers to the same path never collide on the temp name), fsynced,
// renamed over path, and the parent directory is fsynced so the rename
// itself survives a crash.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("cryptocodec: creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("cryptocodec: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("cryptocodec: fsyncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cryptocodec: closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cryptocodec: renaming into place: %w", err)
	}
	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("cryptocodec: fsyncing parent directory: %w", err)
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// SealAndWrite combines Seal and WriteAtomic: the common path used by every
// metadata mutation (inode attributes, directory entries, the master-key
// file).
func SealAndWrite(aead cipher.AEAD, aad, plaintext []byte, path string, perm os.FileMode) error {
	sealed, err := Seal(aead, aad, plaintext)
	if err != nil {
		return err
	}
	return WriteAtomic(path, sealed, perm)
}
