package direntry

import (
	"crypto/cipher"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/inode"
	"github.com/cryptofs/cryptofs/internal/logger"
	"github.com/cryptofs/cryptofs/store"
)

// KeyAcquirer is the narrow capability DirectoryIndex needs from
// KeyManager: the current AEAD and the derived name-hashing key.
type KeyAcquirer interface {
	Acquire() (cipher.AEAD, []byte, cryptocodec.CipherID, error)
}

// Index is the DirectoryIndex.
type Index struct {
	store  *store.Store
	keys   KeyAcquirer
	inodes *inode.Table

	locks *dirLocks

	genMu sync.Mutex
	gen   map[uint64]*atomic.Uint64 // GUARDED_BY(genMu); per-parent mutation generation
}

// New constructs an Index over an already-EnsureStructure'd store.
func New(st *store.Store, keys KeyAcquirer, inodes *inode.Table) *Index {
	return &Index{
		store:  st,
		keys:   keys,
		inodes: inodes,
		locks:  newDirLocks(),
		gen:    make(map[uint64]*atomic.Uint64),
	}
}

func (ix *Index) generationCounter(parent uint64) *atomic.Uint64 {
	ix.genMu.Lock()
	defer ix.genMu.Unlock()
	g, ok := ix.gen[parent]
	if !ok {
		g = &atomic.Uint64{}
		ix.gen[parent] = g
	}
	return g
}

// Lookup resolves (parent, name) to the child's inode number and kind.
func (ix *Index) Lookup(parent uint64, name string) (uint64, inode.Kind, error) {
	aead, nameHashKey, _, err := ix.keys.Acquire()
	if err != nil {
		return 0, 0, err
	}
	e, err := ix.readEntry(aead, nameHashKey, parent, name)
	if err != nil {
		return 0, 0, err
	}
	return e.Inode, e.Kind, nil
}

func (ix *Index) readEntry(aead cipher.AEAD, nameHashKey []byte, parent uint64, name string) (entry, error) {
	hash, err := store.HashName(nameHashKey, parent, name)
	if err != nil {
		return entry{}, fserrors.Wrap("direntry.lookup", fserrors.Io, err)
	}
	sealed, readErr := os.ReadFile(ix.store.EntryPath(parent, hash))
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return entry{}, fserrors.New("direntry.lookup", fserrors.NotFound)
		}
		return entry{}, fserrors.Wrap("direntry.lookup", fserrors.Io, readErr)
	}
	plaintext, err := cryptocodec.Open(aead, cryptocodec.DirEntryAAD(parent, []byte(hash)), sealed)
	if err != nil {
		return entry{}, fserrors.Wrap("direntry.lookup", fserrors.Corrupt, err)
	}
	e, err := decodeEntry(plaintext)
	if err != nil {
		return entry{}, fserrors.Wrap("direntry.lookup", fserrors.Corrupt, err)
	}
	// Defence against hash collisions and AAD mismatches: the decrypted
	// record must name the very child we were asked to look up.
	if e.Name != name {
		return entry{}, fserrors.New("direntry.lookup", fserrors.Corrupt)
	}
	return e, nil
}

// Insert adds a new child entry under parent. Returns AlreadyExists if an
// entry with the same name exists.
func (ix *Index) Insert(parent uint64, name string, childIno uint64, kind inode.Kind) error {
	unlock := ix.locks.lock(parent)
	defer unlock()

	aead, nameHashKey, _, err := ix.keys.Acquire()
	if err != nil {
		return err
	}
	if _, err := ix.readEntry(aead, nameHashKey, parent, name); err == nil {
		return fserrors.New("direntry.insert", fserrors.AlreadyExists)
	} else if fserrors.CodeOf(err) != fserrors.NotFound {
		return err
	}

	if err := ix.writeEntry(aead, nameHashKey, parent, entry{Inode: childIno, Kind: kind, Name: name}); err != nil {
		return err
	}

	ix.generationCounter(parent).Add(1)
	if err := ix.inodes.Touch(parent, true); err != nil {
		return err
	}
	if kind == inode.KindDir {
		if err := ix.inodes.IncLink(parent, 1); err != nil {
			return err
		}
	}
	return nil
}

// insertOverwriting durably replaces an existing (parent, name) entry with
// one pointing at childIno, used only by Rename's overwrite path. Unlike
// Insert it does not reject an existing entry — writeEntry seals and
// writes the same (parent, name) slot atomically, so newName keeps
// resolving to a valid target (the old one, then the new one) at every
// instant rather than briefly resolving to nothing. existingKind is the
// kind of the entry being replaced, needed to net out the parent's link
// count against the new child's own contribution in one step.
func (ix *Index) insertOverwriting(parent uint64, name string, childIno uint64, kind, existingKind inode.Kind) error {
	unlock := ix.locks.lock(parent)
	defer unlock()

	aead, nameHashKey, _, err := ix.keys.Acquire()
	if err != nil {
		return err
	}
	if err := ix.writeEntry(aead, nameHashKey, parent, entry{Inode: childIno, Kind: kind, Name: name}); err != nil {
		return err
	}

	ix.generationCounter(parent).Add(1)
	if err := ix.inodes.Touch(parent, true); err != nil {
		return err
	}
	delta := 0
	if kind == inode.KindDir {
		delta++
	}
	if existingKind == inode.KindDir {
		delta--
	}
	if delta != 0 {
		if err := ix.inodes.IncLink(parent, delta); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) writeEntry(aead cipher.AEAD, nameHashKey []byte, parent uint64, e entry) error {
	hash, err := store.HashName(nameHashKey, parent, e.Name)
	if err != nil {
		return fserrors.Wrap("direntry.insert", fserrors.Io, err)
	}
	if err := ix.store.EnsureEntryParentDir(parent); err != nil {
		return err
	}
	plaintext := encodeEntry(e)
	if err := cryptocodec.SealAndWrite(aead, cryptocodec.DirEntryAAD(parent, []byte(hash)), plaintext, ix.store.EntryPath(parent, hash), 0o600); err != nil {
		return fserrors.Wrap("direntry.insert", fserrors.Io, err)
	}
	return nil
}

// Remove deletes the (parent, name) entry. Returns NotFound if it does not
// exist, or NotEmpty if it names a non-empty directory.
func (ix *Index) Remove(parent uint64, name string) error {
	unlock := ix.locks.lock(parent)
	defer unlock()

	aead, nameHashKey, _, err := ix.keys.Acquire()
	if err != nil {
		return err
	}
	e, err := ix.readEntry(aead, nameHashKey, parent, name)
	if err != nil {
		return err
	}

	if e.Kind == inode.KindDir {
		empty, err := ix.isEmpty(e.Inode)
		if err != nil {
			return err
		}
		if !empty {
			return fserrors.New("direntry.remove", fserrors.NotEmpty)
		}
	}

	hash, err := store.HashName(nameHashKey, parent, name)
	if err != nil {
		return fserrors.Wrap("direntry.remove", fserrors.Io, err)
	}
	if err := os.Remove(ix.store.EntryPath(parent, hash)); err != nil && !os.IsNotExist(err) {
		return fserrors.Wrap("direntry.remove", fserrors.Io, err)
	}

	ix.generationCounter(parent).Add(1)
	if err := ix.inodes.Touch(parent, true); err != nil {
		return err
	}
	if e.Kind == inode.KindDir {
		if err := ix.inodes.IncLink(parent, -1); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) isEmpty(parent uint64) (bool, error) {
	names, err := os.ReadDir(ix.store.EntryParentDir(parent))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fserrors.Wrap("direntry.is_empty", fserrors.Io, err)
	}
	return len(names) == 0, nil
}

// Rename moves (oldParent, oldName) to (newParent, newName). Per spec.md
// §4.5 it MUST be insert-new then remove-old, unconditionally, so a crash
// between the two steps leaves the entry visible under both names rather
// than disappearing under either. When newName already names an entry,
// that entry's sealed file is overwritten in place by insertOverwriting
// rather than removed first and re-created: newName always resolves to
// something, either the old or the new target, at every point in the
// sequence. Only once the new entry is durably written does Rename remove
// the stale oldName entry.
func (ix *Index) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	ino, kind, err := ix.Lookup(oldParent, oldName)
	if err != nil {
		return err
	}

	existingIno, existingKind, lookupErr := ix.Lookup(newParent, newName)
	switch {
	case lookupErr == nil:
		if existingKind == inode.KindDir {
			empty, err := ix.isEmpty(existingIno)
			if err != nil {
				return err
			}
			if !empty {
				return fserrors.New("direntry.rename", fserrors.NotEmpty)
			}
		}
		if err := ix.insertOverwriting(newParent, newName, ino, kind, existingKind); err != nil {
			return err
		}
	case fserrors.CodeOf(lookupErr) == fserrors.NotFound:
		if err := ix.Insert(newParent, newName, ino, kind); err != nil {
			return err
		}
	default:
		return lookupErr
	}

	if err := ix.Remove(oldParent, oldName); err != nil {
		logger.L().Error("rename: insert succeeded but removing old entry failed", "old_parent", oldParent, "old_name", oldName, "error", err)
		return err
	}
	return nil
}
