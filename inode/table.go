// Package inode implements the InodeTable component from spec.md §4.4:
// inode allocation, attribute load/store through the crypto codec, an
// in-memory attribute cache, and link-count/open-count bookkeeping that
// decides when an unlinked inode's backing files are actually removed.
package inode

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/internal/logger"
	"github.com/cryptofs/cryptofs/store"
)

// RootInode is the well-known inode number of the filesystem root,
// created by EnsureRootExists on first mount.
const RootInode uint64 = 1

// reservedInodeCeiling brackets off a small low range (including
// RootInode) from the random allocation space, per spec.md §3: "reject
// the very small reserved range and any colliding with existing files."
const reservedInodeCeiling uint64 = 1 << 10

// KeyAcquirer is the narrow capability InodeTable needs from KeyManager:
// a scoped handle on the current AEAD and cipher. Depending on this
// interface instead of *keymgmt.Manager keeps the table testable with a
// fake and keeps the dependency direction honest (spec.md §2: KeyManager
// sits below InodeTable).
type KeyAcquirer interface {
	Acquire() (cipher.AEAD, []byte, cryptocodec.CipherID, error)
}

// Table is the InodeTable. One Table exists per mounted filesystem.
type Table struct {
	store *store.Store
	keys  KeyAcquirer
	clock clock.Clock

	mu        syncutil.InvariantMutex
	cache     map[uint64]*Attr // GUARDED_BY(mu)
	openCount map[uint64]int   // GUARDED_BY(mu)

	allocMu sync.Mutex
}

// New constructs a Table over an already-EnsureStructure'd store.
func New(st *store.Store, keys KeyAcquirer, clk clock.Clock) *Table {
	t := &Table{
		store:     st,
		keys:      keys,
		clock:     clk,
		cache:     make(map[uint64]*Attr),
		openCount: make(map[uint64]int),
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	for ino, a := range t.cache {
		if a.Ino != ino {
			panic(fmt.Sprintf("inode: cache key %d holds attr for inode %d", ino, a.Ino))
		}
	}
}

// EnsureRootExists creates inode 1 as an empty directory if it is not
// already present. Safe to call on every mount.
func (t *Table) EnsureRootExists() error {
	_, err := t.Load(RootInode)
	if err == nil {
		return nil
	}
	if fserrors.CodeOf(err) != fserrors.NotFound {
		return err
	}
	now := t.clock.Now()
	root := &Attr{
		Ino:    RootInode,
		Kind:   KindDir,
		Mode:   0o755,
		Nlink:  2,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
	return t.store_(root)
}

// Allocate draws a fresh random inode number, builds its initial
// attributes record, persists it, and returns it. Directories start at
// link count 2 (self entry implicit, plus the parent's entry naming it);
// regular files and symlinks start at 1.
func (t *Table) Allocate(kind Kind, mode uint32, uid, gid uint32, target string) (*Attr, error) {
	if !kind.Valid() {
		return nil, fserrors.New("inode.allocate", fserrors.InvalidArgument)
	}

	t.allocMu.Lock()
	ino, err := t.drawUnusedInode()
	t.allocMu.Unlock()
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	nlink := uint32(1)
	if kind == KindDir {
		nlink = 2
	}
	a := &Attr{
		Ino: ino, Kind: kind, Mode: mode, Uid: uid, Gid: gid, Nlink: nlink,
		Atime: now, Mtime: now, Ctime: now, Crtime: now, Target: target,
	}
	if err := t.store_(a); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// drawUnusedInode draws random 64-bit identifiers, rejecting the reserved
// low range and anything already present on disk, until one is free.
// Allocation is serialized by allocMu so two concurrent Allocate calls
// never race on the same candidate.
func (t *Table) drawUnusedInode() (uint64, error) {
	var buf [8]byte
	for attempt := 0; attempt < 64; attempt++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fserrors.Wrap("inode.allocate", fserrors.Io, err)
		}
		ino := binary.BigEndian.Uint64(buf[:])
		if ino < reservedInodeCeiling {
			continue
		}
		if _, err := t.readAttrFile(ino); err == nil {
			continue // collision with an existing inode file
		} else if fserrors.CodeOf(err) != fserrors.NotFound {
			return 0, err
		}
		return ino, nil
	}
	return 0, fserrors.New("inode.allocate", fserrors.Io)
}

// Load returns the attributes for ino, serving from cache when present.
func (t *Table) Load(ino uint64) (*Attr, error) {
	t.mu.Lock()
	if a, ok := t.cache[ino]; ok {
		t.mu.Unlock()
		return a.Clone(), nil
	}
	t.mu.Unlock()

	a, err := t.readAttrFile(ino)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.cache[ino] = a
	t.mu.Unlock()
	return a.Clone(), nil
}

func (t *Table) readAttrFile(ino uint64) (*Attr, error) {
	sealed, readErr := readFile(t.store.InodePath(ino))
	if readErr != nil {
		if isNotExist(readErr) {
			return nil, fserrors.New("inode.load", fserrors.NotFound)
		}
		return nil, fserrors.Wrap("inode.load", fserrors.Io, readErr)
	}
	aead, _, _, err := t.keys.Acquire()
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptocodec.Open(aead, cryptocodec.InodeAttrAAD(ino), sealed)
	if err != nil {
		return nil, fserrors.Wrap("inode.load", fserrors.Corrupt, err)
	}
	a, err := decodeAttr(plaintext)
	if err != nil {
		return nil, fserrors.Wrap("inode.load", fserrors.Corrupt, err)
	}
	return a, nil
}

// Store persists a (possibly mutated) attributes record and invalidates —
// really, refreshes — the cache entry, per spec.md §4.4: "maintain an
// in-memory cache of recently accessed attributes invalidated on every
// write."
func (t *Table) Store(a *Attr) error {
	return t.store_(a.Clone())
}

func (t *Table) store_(a *Attr) error {
	aead, _, _, err := t.keys.Acquire()
	if err != nil {
		return err
	}
	plaintext := encodeAttr(a)
	if err := cryptocodec.SealAndWrite(aead, cryptocodec.InodeAttrAAD(a.Ino), plaintext, t.store.InodePath(a.Ino), 0o600); err != nil {
		return fserrors.Wrap("inode.store", fserrors.Io, err)
	}
	t.mu.Lock()
	t.cache[a.Ino] = a
	t.mu.Unlock()
	return nil
}

// Touch bumps mtime/ctime (a content change) or just ctime (a metadata-only
// change) to now, following the POSIX convention that writes move both
// while attribute-only changes (chmod, chown, link count) move only ctime.
func (t *Table) Touch(ino uint64, contentChanged bool) error {
	a, err := t.Load(ino)
	if err != nil {
		return err
	}
	now := t.clock.Now()
	a.Ctime = now
	if contentChanged {
		a.Mtime = now
	}
	return t.store_(a)
}

// OpenRef records a new open handle against ino, for the link-count/open-
// count policy in Unlink.
func (t *Table) OpenRef(ino uint64) {
	t.mu.Lock()
	t.openCount[ino]++
	t.mu.Unlock()
}

// CloseRef releases one open handle against ino. If the inode was orphaned
// (unlinked while still open) and this was the last handle, its backing
// files are deleted now.
func (t *Table) CloseRef(ino uint64) error {
	t.mu.Lock()
	t.openCount[ino]--
	remaining := t.openCount[ino]
	if remaining <= 0 {
		delete(t.openCount, ino)
	}
	a, cached := t.cache[ino]
	t.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	if !cached || !a.Orphaned {
		return nil
	}
	return t.destroy(ino)
}

// Unlink decrements ino's link count. When it reaches zero, the inode is
// destroyed immediately if nothing has it open, or marked orphaned (kept
// alive in memory only) until the last handle closes, per spec.md §4.4.
func (t *Table) Unlink(ino uint64) error {
	a, err := t.Load(ino)
	if err != nil {
		return err
	}
	if a.Nlink == 0 {
		return fserrors.New("inode.unlink", fserrors.NotFound)
	}
	a.Nlink--
	return t.finishUnlink(a)
}

// UnlinkDirectory drops the two links an rmdir'd directory loses at once:
// its own self (".") link and the parent's entry ("..") link referencing
// it, mirroring the Nlink=2 a directory starts with in Allocate. Plain
// Unlink (one decrement per call) would leave a directory stuck at Nlink=1
// forever.
func (t *Table) UnlinkDirectory(ino uint64) error {
	a, err := t.Load(ino)
	if err != nil {
		return err
	}
	if a.Kind != KindDir {
		return fserrors.New("inode.unlink_directory", fserrors.NotADirectory)
	}
	if a.Nlink < 2 {
		return fserrors.New("inode.unlink_directory", fserrors.Corrupt)
	}
	a.Nlink -= 2
	return t.finishUnlink(a)
}

func (t *Table) finishUnlink(a *Attr) error {
	a.Ctime = t.clock.Now()
	if a.Nlink > 0 {
		return t.store_(a)
	}

	t.mu.Lock()
	openNow := t.openCount[a.Ino] > 0
	t.mu.Unlock()

	if openNow {
		a.Orphaned = true
		t.mu.Lock()
		t.cache[a.Ino] = a // keep the orphan marker in memory; do not persist it
		t.mu.Unlock()
		return nil
	}
	return t.destroy(a.Ino)
}

func (t *Table) destroy(ino uint64) error {
	t.mu.Lock()
	delete(t.cache, ino)
	t.mu.Unlock()

	if err := removeFile(t.store.InodePath(ino)); err != nil && !isNotExist(err) {
		return fserrors.Wrap("inode.destroy", fserrors.Io, err)
	}
	if err := removeFile(t.store.ContentsPath(ino)); err != nil && !isNotExist(err) {
		return fserrors.Wrap("inode.destroy", fserrors.Io, err)
	}
	logger.L().Debug("inode destroyed", "ino", ino)
	return nil
}

// IncLink bumps link count directly, used by DirectoryIndex when a
// subdirectory is created (the parent gains a link for the child's "..").
func (t *Table) IncLink(ino uint64, delta int) error {
	a, err := t.Load(ino)
	if err != nil {
		return err
	}
	a.Nlink = uint32(int64(a.Nlink) + int64(delta))
	a.Ctime = t.clock.Now()
	return t.store_(a)
}

// Now returns the table's current clock time, for callers (FileIO,
// FsFacade) that stamp timestamps on an Attr before passing it to Store.
func (t *Table) Now() time.Time {
	return t.clock.Now()
}
