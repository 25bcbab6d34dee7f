// Package fsfacade implements FsFacade (spec.md §4.8): the single
// operation surface a FUSE adaptor would call into. It wires together
// every lower component (KeyManager, InodeTable, DirectoryIndex, FileIO,
// HandleRegistry) behind one mount/unmount lifecycle and records
// per-operation metrics.
package fsfacade

import (
	"context"

	"github.com/cryptofs/cryptofs/cfg"
	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/direntry"
	"github.com/cryptofs/cryptofs/fileio"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/handle"
	"github.com/cryptofs/cryptofs/inode"
	"github.com/cryptofs/cryptofs/internal/logger"
	"github.com/cryptofs/cryptofs/keymgmt"
	"github.com/cryptofs/cryptofs/store"
)

// cipherIDFor maps the configuration-level cipher name to the runtime
// cryptocodec.CipherID used only on first initialization of a data
// directory; subsequent mounts read the cipher recorded in the
// master-key file header instead (spec.md §6).
func cipherIDFor(c cfg.Cipher) (cryptocodec.CipherID, error) {
	switch c {
	case cfg.ChaCha20Poly1305, "":
		return cryptocodec.CipherChaCha20Poly1305, nil
	case cfg.AES256GCM:
		return cryptocodec.CipherAES256GCM, nil
	default:
		return 0, fserrors.New("fsfacade.cipher", fserrors.InvalidArgument)
	}
}

// Principal is re-exported for callers that only import fsfacade.
type Principal = handle.Principal

// Facade is the FsFacade. One Facade exists per mounted filesystem, per
// spec.md §9 ("no implicit singletons").
type Facade struct {
	cfg    cfg.Config
	store  *store.Store
	keys   *keymgmt.Manager
	inodes *inode.Table
	dirs   *direntry.Index
	fio    *fileio.FileIO
	handles *handle.Registry
	metrics *metrics
}

// Mount opens (or, if absent, initializes) the data directory named by
// c.DataDir and returns a ready Facade. initPassphrase is consulted only
// when the data directory has never been initialized.
func Mount(c cfg.Config, clk clock.Clock, passphrase keymgmt.PassphraseProvider, initPassphrase string) (*Facade, error) {
	if err := c.Validate(); err != nil {
		return nil, fserrors.Wrap("fsfacade.mount", fserrors.InvalidArgument, err)
	}

	st := store.Open(c.DataDir)
	if err := st.EnsureStructure(); err != nil {
		return nil, err
	}

	km := keymgmt.New(st, clk, c.IdleKeyTimeout, passphrase)
	initialized, err := st.Initialized()
	if err != nil {
		return nil, err
	}
	if initialized {
		first, perr := passphrase()
		if perr != nil {
			return nil, fserrors.Wrap("fsfacade.mount", fserrors.PermissionDenied, perr)
		}
		if err := km.Open(first); err != nil {
			return nil, err
		}
	} else {
		cipherID, err := cipherIDFor(c.Cipher)
		if err != nil {
			return nil, err
		}
		if initPassphrase == "" {
			initPassphrase, err = passphrase()
			if err != nil {
				return nil, fserrors.Wrap("fsfacade.mount", fserrors.PermissionDenied, err)
			}
		}
		if err := km.Init(initPassphrase, cipherID); err != nil {
			return nil, err
		}
	}

	inodes := inode.New(st, km, clk)
	if err := inodes.EnsureRootExists(); err != nil {
		return nil, err
	}
	dirs := direntry.New(st, km, inodes)
	fio := fileio.New(st, km, inodes)
	handles := handle.New(fio, inodes)

	f := &Facade{
		cfg: c, store: st, keys: km, inodes: inodes, dirs: dirs, fio: fio,
		handles: handles, metrics: newMetrics(),
	}
	logger.L().Info("fsfacade mounted", "data_dir", c.DataDir, "read_only", c.ReadOnly)
	return f, nil
}

// Unmount tears down the Facade: wipes in-memory key material and stops
// the idle ticker. It does not remove the data directory.
func (f *Facade) Unmount() {
	f.keys.Close()
	logger.L().Info("fsfacade unmounted", "data_dir", f.cfg.DataDir)
}

// Metrics exposes the Prometheus collectors for a caller to register.
func (f *Facade) Metrics() []prometheusCollector {
	return f.metrics.collectors()
}

func (f *Facade) checkWritable(op string) error {
	if f.cfg.ReadOnly {
		return fserrors.New(op, fserrors.ReadOnly)
	}
	return nil
}

// Lookup resolves (parent, name) to the child's attributes.
func (f *Facade) Lookup(parent uint64, name string) (*inode.Attr, error) {
	defer f.metrics.track("lookup")()
	ino, _, err := f.dirs.Lookup(parent, name)
	if err != nil {
		f.metrics.err("lookup")
		return nil, err
	}
	a, err := f.inodes.Load(ino)
	if err != nil {
		f.metrics.err("lookup")
		return nil, err
	}
	return a, nil
}

// GetAttr returns the cached attributes for ino.
func (f *Facade) GetAttr(ino uint64) (*inode.Attr, error) {
	defer f.metrics.track("get_attr")()
	a, err := f.inodes.Load(ino)
	if err != nil {
		f.metrics.err("get_attr")
	}
	return a, err
}

// SetAttrRequest names the fields SetAttr should change; a nil pointer
// leaves that field untouched.
type SetAttrRequest struct {
	Mode *uint32
	Uid  *uint32
	Gid  *uint32
	Size *int64
}

// SetAttr applies req to ino's attributes, truncating content through
// FileIO if Size is set.
func (f *Facade) SetAttr(ino uint64, req SetAttrRequest) (*inode.Attr, error) {
	defer f.metrics.track("set_attr")()
	if err := f.checkWritable("fsfacade.set_attr"); err != nil {
		f.metrics.err("set_attr")
		return nil, err
	}

	if req.Size != nil {
		if err := f.fio.Truncate(ino, *req.Size); err != nil {
			f.metrics.err("set_attr")
			return nil, err
		}
	}

	a, err := f.inodes.Load(ino)
	if err != nil {
		f.metrics.err("set_attr")
		return nil, err
	}
	if req.Mode != nil {
		a.Mode = *req.Mode
	}
	if req.Uid != nil {
		a.Uid = *req.Uid
	}
	if req.Gid != nil {
		a.Gid = *req.Gid
	}
	a.Ctime = f.inodes.Now()
	if err := f.inodes.Store(a); err != nil {
		f.metrics.err("set_attr")
		return nil, err
	}
	return a, nil
}

// Create allocates a new regular-file inode, links it into parent under
// name, and opens a handle on it.
func (f *Facade) Create(parent uint64, name string, mode uint32, principal Principal) (*inode.Attr, *handle.Handle, error) {
	defer f.metrics.track("create")()
	if err := f.checkWritable("fsfacade.create"); err != nil {
		f.metrics.err("create")
		return nil, nil, err
	}
	a, err := f.inodes.Allocate(inode.KindRegular, mode, principal.Uid, principal.Gid, "")
	if err != nil {
		f.metrics.err("create")
		return nil, nil, err
	}
	if err := f.dirs.Insert(parent, name, a.Ino, inode.KindRegular); err != nil {
		f.metrics.err("create")
		return nil, nil, err
	}
	h, err := f.handles.Open(a.Ino, principal, true, true, false)
	if err != nil {
		f.metrics.err("create")
		return nil, nil, err
	}
	return a, h, nil
}

// Mkdir allocates a new directory inode and links it into parent.
func (f *Facade) Mkdir(parent uint64, name string, mode uint32, principal Principal) (*inode.Attr, error) {
	defer f.metrics.track("mkdir")()
	if err := f.checkWritable("fsfacade.mkdir"); err != nil {
		f.metrics.err("mkdir")
		return nil, err
	}
	a, err := f.inodes.Allocate(inode.KindDir, mode, principal.Uid, principal.Gid, "")
	if err != nil {
		f.metrics.err("mkdir")
		return nil, err
	}
	if err := f.dirs.Insert(parent, name, a.Ino, inode.KindDir); err != nil {
		f.metrics.err("mkdir")
		return nil, err
	}
	return a, nil
}

// Unlink removes a (parent, name) entry naming a non-directory and drops
// the child's link count.
func (f *Facade) Unlink(parent uint64, name string) error {
	defer f.metrics.track("unlink")()
	if err := f.checkWritable("fsfacade.unlink"); err != nil {
		f.metrics.err("unlink")
		return err
	}
	ino, kind, err := f.dirs.Lookup(parent, name)
	if err != nil {
		f.metrics.err("unlink")
		return err
	}
	if kind == inode.KindDir {
		f.metrics.err("unlink")
		return fserrors.New("fsfacade.unlink", fserrors.IsADirectory)
	}
	if err := f.dirs.Remove(parent, name); err != nil {
		f.metrics.err("unlink")
		return err
	}
	if err := f.inodes.Unlink(ino); err != nil {
		f.metrics.err("unlink")
		return err
	}
	return nil
}

// Rmdir removes a (parent, name) entry naming an empty directory.
func (f *Facade) Rmdir(parent uint64, name string) error {
	defer f.metrics.track("rmdir")()
	if err := f.checkWritable("fsfacade.rmdir"); err != nil {
		f.metrics.err("rmdir")
		return err
	}
	ino, kind, err := f.dirs.Lookup(parent, name)
	if err != nil {
		f.metrics.err("rmdir")
		return err
	}
	if kind != inode.KindDir {
		f.metrics.err("rmdir")
		return fserrors.New("fsfacade.rmdir", fserrors.NotADirectory)
	}
	if err := f.dirs.Remove(parent, name); err != nil {
		f.metrics.err("rmdir")
		return err
	}
	if err := f.inodes.UnlinkDirectory(ino); err != nil {
		f.metrics.err("rmdir")
		return err
	}
	return nil
}

// Symlink allocates a new symlink inode pointing at target and links it
// into parent.
func (f *Facade) Symlink(parent uint64, name, target string, principal Principal) (*inode.Attr, error) {
	defer f.metrics.track("symlink")()
	if err := f.checkWritable("fsfacade.symlink"); err != nil {
		f.metrics.err("symlink")
		return nil, err
	}
	a, err := f.inodes.Allocate(inode.KindSymlink, 0o777, principal.Uid, principal.Gid, target)
	if err != nil {
		f.metrics.err("symlink")
		return nil, err
	}
	if err := f.dirs.Insert(parent, name, a.Ino, inode.KindSymlink); err != nil {
		f.metrics.err("symlink")
		return nil, err
	}
	return a, nil
}

// Readlink returns ino's symlink target.
func (f *Facade) Readlink(ino uint64) (string, error) {
	defer f.metrics.track("readlink")()
	a, err := f.inodes.Load(ino)
	if err != nil {
		f.metrics.err("readlink")
		return "", err
	}
	if a.Kind != inode.KindSymlink {
		f.metrics.err("readlink")
		return "", fserrors.New("fsfacade.readlink", fserrors.InvalidArgument)
	}
	return a.Target, nil
}

// Rename moves (oldParent, oldName) to (newParent, newName).
func (f *Facade) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	defer f.metrics.track("rename")()
	if err := f.checkWritable("fsfacade.rename"); err != nil {
		f.metrics.err("rename")
		return err
	}
	if err := f.dirs.Rename(oldParent, oldName, newParent, newName); err != nil {
		f.metrics.err("rename")
		return err
	}
	return nil
}

// Readdir lists parent's children.
func (f *Facade) Readdir(ctx context.Context, parent uint64) ([]direntry.DirEnt, error) {
	defer f.metrics.track("readdir")()
	ents, err := f.dirs.Enumerate(ctx, parent)
	if err != nil {
		f.metrics.err("readdir")
		return nil, err
	}
	return ents, nil
}

// Open opens a handle on ino for principal with the requested access.
func (f *Facade) Open(ino uint64, principal Principal, wantRead, wantWrite, appendFlag bool) (*handle.Handle, error) {
	defer f.metrics.track("open")()
	if wantWrite {
		if err := f.checkWritable("fsfacade.open"); err != nil {
			f.metrics.err("open")
			return nil, err
		}
	}
	h, err := f.handles.Open(ino, principal, wantRead, wantWrite, appendFlag)
	if err != nil {
		f.metrics.err("open")
		return nil, err
	}
	return h, nil
}

// Read reads up to len(buf) bytes from handleID at offset.
func (f *Facade) Read(handleID uint64, offset int64, buf []byte) (int, error) {
	defer f.metrics.track("read")()
	h, err := f.handles.Get(handleID)
	if err != nil {
		f.metrics.err("read")
		return 0, err
	}
	if !h.Read {
		f.metrics.err("read")
		return 0, fserrors.New("fsfacade.read", fserrors.PermissionDenied)
	}
	n, err := f.fio.Read(h.Session, offset, buf)
	if err != nil {
		f.metrics.err("read")
	}
	return n, err
}

// Write writes data to handleID. When the handle was opened with the
// append flag, the handle's pending writes are flushed first and offset is
// set to the file's resulting size, per the POSIX O_APPEND semantics
// supplemented into spec.md §4.7.
func (f *Facade) Write(handleID uint64, offset int64, data []byte) (int, error) {
	defer f.metrics.track("write")()
	if err := f.checkWritable("fsfacade.write"); err != nil {
		f.metrics.err("write")
		return 0, err
	}
	h, err := f.handles.Get(handleID)
	if err != nil {
		f.metrics.err("write")
		return 0, err
	}
	if !h.Write {
		f.metrics.err("write")
		return 0, fserrors.New("fsfacade.write", fserrors.PermissionDenied)
	}
	if h.Append {
		if err := f.fio.Flush(h.Session); err != nil {
			f.metrics.err("write")
			return 0, err
		}
		a, err := f.inodes.Load(h.Ino)
		if err != nil {
			f.metrics.err("write")
			return 0, err
		}
		offset = int64(a.Size)
	}
	n, err := f.fio.Write(h.Session, offset, data)
	if err != nil {
		f.metrics.err("write")
	}
	return n, err
}

// Flush stages handleID's pending writes without forcing to stable
// storage.
func (f *Facade) Flush(handleID uint64) error {
	defer f.metrics.track("flush")()
	h, err := f.handles.Get(handleID)
	if err != nil {
		f.metrics.err("flush")
		return err
	}
	if err := f.fio.Flush(h.Session); err != nil {
		f.metrics.err("flush")
		return err
	}
	return nil
}

// Fsync flushes and forces handleID's contents file to stable storage.
func (f *Facade) Fsync(handleID uint64) error {
	defer f.metrics.track("fsync")()
	h, err := f.handles.Get(handleID)
	if err != nil {
		f.metrics.err("fsync")
		return err
	}
	if err := f.fio.Sync(h.Session); err != nil {
		f.metrics.err("fsync")
		return err
	}
	return nil
}

// Release closes handleID.
func (f *Facade) Release(handleID uint64) error {
	defer f.metrics.track("release")()
	if err := f.handles.Release(handleID); err != nil {
		f.metrics.err("release")
		return err
	}
	return nil
}

// Truncate resizes ino's content directly (bypassing a handle), used by
// the `truncate(2)` path that does not require an open file descriptor.
func (f *Facade) Truncate(ino uint64, newSize int64) error {
	defer f.metrics.track("truncate")()
	if err := f.checkWritable("fsfacade.truncate"); err != nil {
		f.metrics.err("truncate")
		return err
	}
	if err := f.fio.Truncate(ino, newSize); err != nil {
		f.metrics.err("truncate")
		return err
	}
	return nil
}

// ChangePassword re-wraps the master key under newPassphrase.
func (f *Facade) ChangePassword(oldPassphrase, newPassphrase string) error {
	defer f.metrics.track("change_password")()
	if err := f.checkWritable("fsfacade.change_password"); err != nil {
		f.metrics.err("change_password")
		return err
	}
	if err := f.keys.ChangePassword(oldPassphrase, newPassphrase); err != nil {
		f.metrics.err("change_password")
		return err
	}
	return nil
}
