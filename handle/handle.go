// Package handle implements the HandleRegistry component from spec.md
// §4.7: opaque handle allocation, per-handle read/write/append flags, and
// the open-time permission check against cached inode attributes.
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/cryptofs/cryptofs/fileio"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/inode"
)

// Principal identifies the caller an open() is performed on behalf of, as
// supplied by the FUSE adaptor (out of this core's scope, per spec.md §4.7).
type Principal struct {
	Uid uint32
	Gid uint32
}

// Handle is one open file handle: the inode it was opened against, its
// access flags, and the FileIO session carrying its reader/writer state. It
// holds no reference to the owning Registry or to any other Handle, per
// spec.md §9's anti-reference-cycle rule — only the 64-bit inode number.
type Handle struct {
	ID     uint64
	Ino    uint64
	Read   bool
	Write  bool
	Append bool

	Session *fileio.Session
}

// Registry is the HandleRegistry: it allocates opaque identifiers and owns
// the live Handle set. Concurrent-safe per spec.md §5.
type Registry struct {
	fio    *fileio.FileIO
	inodes *inode.Table

	nextID atomic.Uint64

	mu      sync.Mutex
	handles map[uint64]*Handle
}

// New constructs a Registry.
func New(fio *fileio.FileIO, inodes *inode.Table) *Registry {
	return &Registry{
		fio:     fio,
		inodes:  inodes,
		handles: make(map[uint64]*Handle),
	}
}

// checkAccess enforces spec.md §4.7's open-time rule: PermissionDenied if
// neither read nor write is requested, or if the requested access exceeds
// the inode's POSIX permission bits for the effective principal. Owner,
// group, and other bits are evaluated in the usual POSIX order: the owner
// class applies if uids match, else the group class if gids match, else
// the other class.
func checkAccess(a *inode.Attr, principal Principal, wantRead, wantWrite bool) error {
	if !wantRead && !wantWrite {
		return fserrors.New("handle.open", fserrors.PermissionDenied)
	}

	var shift uint32
	switch {
	case principal.Uid == a.Uid:
		shift = 6
	case principal.Gid == a.Gid:
		shift = 3
	default:
		shift = 0
	}
	bits := (a.Mode >> shift) & 0o7

	if wantRead && bits&0o4 == 0 {
		return fserrors.New("handle.open", fserrors.PermissionDenied)
	}
	if wantWrite && bits&0o2 == 0 {
		return fserrors.New("handle.open", fserrors.PermissionDenied)
	}
	return nil
}

// Open allocates a new Handle against ino after checking the requested
// access against the inode's cached attributes for principal.
func (r *Registry) Open(ino uint64, principal Principal, wantRead, wantWrite, append_ bool) (*Handle, error) {
	a, err := r.inodes.Load(ino)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(a, principal, wantRead, wantWrite); err != nil {
		return nil, err
	}

	sess, err := r.fio.OpenSession(ino, wantWrite)
	if err != nil {
		return nil, err
	}
	r.inodes.OpenRef(ino)

	h := &Handle{
		ID:      r.nextID.Add(1),
		Ino:     ino,
		Read:    wantRead,
		Write:   wantWrite,
		Append:  append_,
		Session: sess,
	}
	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()
	return h, nil
}

// Get returns the live Handle for id, or NotFound if it isn't open.
func (r *Registry) Get(id uint64) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return nil, fserrors.New("handle.get", fserrors.NotFound)
	}
	return h, nil
}

// Release closes and forgets the handle, flushing no pending writes — the
// caller (FsFacade) must Flush or Sync explicitly before releasing per
// spec.md §4.6.
func (r *Registry) Release(id uint64) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()
	if !ok {
		return fserrors.New("handle.release", fserrors.NotFound)
	}

	closeErr := h.Session.Close()
	refErr := r.inodes.CloseRef(h.Ino)
	if closeErr != nil {
		return closeErr
	}
	return refErr
}
