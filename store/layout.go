// Package store implements the on-disk layout described in spec.md §4.3:
// the salt file, the master-key file, one file per inode's attributes, one
// file per inode's contents, and one directory-entry file per (parent,
// name-hash) pair.
package store

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cryptofs/cryptofs/fserrors"
)

const (
	saltFileName = "salt"
	keyFileName  = "key"
	inodesDir    = "inodes"
	contentsDir  = "contents"
	entriesDir   = "entries"

	// SaltSize is the width of the cleartext KDF salt file.
	SaltSize = 32

	dirPerm  = 0o700
	filePerm = 0o600
)

// Store wraps the backing data directory. It knows nothing about keys or
// cleartext semantics; every sealed blob it reads or writes is opaque
// bytes to it, per the dependency order in spec.md §2 (Store sits below
// KeyManager).
type Store struct {
	dataDir string
}

// Open wraps an existing data directory. It does not create anything; call
// EnsureStructure for that.
func Open(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// DataDir returns the backing directory path.
func (s *Store) DataDir() string { return s.dataDir }

// Initialized reports whether the data directory already holds a salt
// file — the distinguishing mark between an initialized and an empty data
// directory per spec.md §3.
func (s *Store) Initialized() (bool, error) {
	_, err := os.Stat(s.SaltPath())
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fserrors.Wrap("store.initialized", fserrors.Io, err)
}

// EnsureStructure creates the data directory and its inodes/, contents/ and
// entries/ subdirectories if missing. It does not
// write the salt file — the caller (KeyManager) decides whether this is a
// fresh filesystem and generates the salt exactly once.
func (s *Store) EnsureStructure() error {
	for _, d := range []string{s.dataDir, s.inodesDir(), s.contentsDir(), s.entriesDir()} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return fserrors.Wrap("store.ensure_structure", fserrors.Io, err)
		}
	}
	return nil
}

// WriteSalt writes the cleartext KDF salt. It must be called at most once
// per data directory, guarded by the caller checking Initialized first.
func (s *Store) WriteSalt(salt []byte) error {
	if len(salt) != SaltSize {
		return fmt.Errorf("store: salt must be %d bytes", SaltSize)
	}
	if err := os.WriteFile(s.SaltPath(), salt, filePerm); err != nil {
		return fserrors.Wrap("store.write_salt", fserrors.Io, err)
	}
	return fsyncDir(s.dataDir)
}

// ReadSalt reads the cleartext KDF salt.
func (s *Store) ReadSalt() ([]byte, error) {
	b, err := os.ReadFile(s.SaltPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fserrors.New("store.read_salt", fserrors.NotFound)
		}
		return nil, fserrors.Wrap("store.read_salt", fserrors.Io, err)
	}
	if len(b) != SaltSize {
		return nil, fserrors.New("store.read_salt", fserrors.Corrupt)
	}
	return b, nil
}

// NewSalt draws a fresh random salt for first-time initialization.
func NewSalt() ([]byte, error) {
	b := make([]byte, SaltSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("store: generating salt: %w", err)
	}
	return b, nil
}

func (s *Store) SaltPath() string { return filepath.Join(s.dataDir, saltFileName) }
func (s *Store) KeyPath() string  { return filepath.Join(s.dataDir, keyFileName) }

func (s *Store) inodesDir() string   { return filepath.Join(s.dataDir, inodesDir) }
func (s *Store) contentsDir() string { return filepath.Join(s.dataDir, contentsDir) }
func (s *Store) entriesDir() string  { return filepath.Join(s.dataDir, entriesDir) }

// InodePath returns the attributes-file path for ino.
func (s *Store) InodePath(ino uint64) string {
	return filepath.Join(s.inodesDir(), strconv.FormatUint(ino, 10))
}

// ContentsPath returns the contents-file path for ino.
func (s *Store) ContentsPath(ino uint64) string {
	return filepath.Join(s.contentsDir(), strconv.FormatUint(ino, 10))
}

// EntryParentDir returns the directory under entries/ holding every child
// entry of parent.
func (s *Store) EntryParentDir(parent uint64) string {
	return filepath.Join(s.entriesDir(), strconv.FormatUint(parent, 10))
}

// EnsureEntryParentDir creates the entries/<parent> directory.
func (s *Store) EnsureEntryParentDir(parent uint64) error {
	if err := os.MkdirAll(s.EntryParentDir(parent), dirPerm); err != nil {
		return fserrors.Wrap("store.ensure_entry_dir", fserrors.Io, err)
	}
	return nil
}

// RemoveEntryParentDir removes the (by then empty) entries/<parent>
// directory. Inode destruction (inode.Table) does not call it, so a
// destroyed directory's entries/<parent> directory stays on disk.
func (s *Store) RemoveEntryParentDir(parent uint64) error {
	if err := os.Remove(s.EntryParentDir(parent)); err != nil && !os.IsNotExist(err) {
		return fserrors.Wrap("store.remove_entry_dir", fserrors.Io, err)
	}
	return nil
}

// EntryPath returns the entry-file path for a given parent and encoded
// name hash.
func (s *Store) EntryPath(parent uint64, nameHash string) string {
	return filepath.Join(s.EntryParentDir(parent), nameHash)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
