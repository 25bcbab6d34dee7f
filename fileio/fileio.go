package fileio

import (
	"crypto/cipher"
	"io"
	"os"

	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/inode"
	"github.com/cryptofs/cryptofs/store"
)

// KeyAcquirer is the narrow capability FileIO needs from KeyManager.
type KeyAcquirer interface {
	Acquire() (cipher.AEAD, []byte, cryptocodec.CipherID, error)
}

// FileIO is the FileIO component. It holds no per-handle state itself;
// each open handle carries its own *Session (see HandleRegistry), so
// concurrent handles on the same inode never contend on a FileIO-wide
// lock — only on the chunk-level locks each Session's ChunkedWriter
// already provides.
type FileIO struct {
	store  *store.Store
	keys   KeyAcquirer
	inodes *inode.Table
}

// New constructs a FileIO over an already-EnsureStructure'd store.
func New(st *store.Store, keys KeyAcquirer, inodes *inode.Table) *FileIO {
	return &FileIO{store: st, keys: keys, inodes: inodes}
}

// OpenSession opens (creating if necessary) the contents file for ino and
// returns a Session scoped to one handle. writable controls whether a
// ChunkedWriter is constructed; a reader is always available so a
// read/write handle can serve reads of its own not-yet-flushed writes.
func (fio *FileIO) OpenSession(ino uint64, writable bool) (*Session, error) {
	f, err := os.OpenFile(fio.store.ContentsPath(ino), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fserrors.Wrap("fileio.open", fserrors.Io, err)
	}
	attr, err := fio.inodes.Load(ino)
	if err != nil {
		f.Close()
		return nil, err
	}
	aead, _, _, err := fio.keys.Acquire()
	if err != nil {
		f.Close()
		return nil, err
	}
	sess := &Session{
		ino:    ino,
		f:      f,
		reader: cryptocodec.NewChunkedReader(aead, ino, f, int64(attr.Size)),
	}
	if writable {
		sess.writer = cryptocodec.NewChunkedWriter(aead, ino, f, int64(attr.Size))
	}
	return sess, nil
}

// currentSize returns the effective cleartext size as seen by sess: the
// larger of the durable inode size and the writer's in-memory size (which
// already reflects writes not yet flushed).
func (fio *FileIO) currentSize(sess *Session) (int64, error) {
	attr, err := fio.inodes.Load(sess.ino)
	if err != nil {
		return 0, err
	}
	size := int64(attr.Size)
	if sess.writer != nil {
		if ws := sess.writer.Size(); ws > size {
			size = ws
		}
	}
	return size, nil
}

// Read copies up to len(buf) cleartext bytes starting at offset into buf,
// serving any not-yet-flushed chunks from sess's writer before falling
// back to the durable contents file. Per spec.md §4.6, short reads occur
// only at end-of-file.
func (fio *FileIO) Read(sess *Session, offset int64, buf []byte) (int, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	size, err := fio.currentSize(sess)
	if err != nil {
		return 0, err
	}
	sess.reader.SetSize(size)
	if offset >= size || len(buf) == 0 {
		return 0, nil
	}
	want := int64(len(buf))
	if offset+want > size {
		want = size - offset
	}

	var total int64
	for total < want {
		idx := (offset + total) / cryptocodec.ChunkSize
		offInChunk := (offset + total) % cryptocodec.ChunkSize
		chunkLen := cryptocodec.ChunkLen(size, idx)

		var chunk []byte
		if sess.writer != nil {
			if d, ok := sess.writer.Dirty(idx); ok {
				chunk = d
			}
		}
		if chunk == nil {
			sess.reader.Seek(idx * cryptocodec.ChunkSize)
			tmp := make([]byte, chunkLen)
			n, rerr := sess.reader.Read(tmp)
			if rerr != nil && rerr != io.EOF {
				return int(total), rerr
			}
			chunk = tmp[:n]
		}
		if offInChunk >= int64(len(chunk)) {
			break // chunk shorter than expected: nothing more to serve here
		}
		n := copy(buf[total:total+(want-total)], chunk[offInChunk:])
		total += int64(n)
	}
	return int(total), nil
}

// Write overlays data into sess's writer at offset, eagerly zero-filling
// any gap between the file's current size and offset so that every
// intermediate chunk is a tracked, fully-sealed chunk rather than a
// missing one — the "materialize sparse holes on write" resolution of the
// open question in spec.md §9 (the alternative, leaving holes as entirely
// absent chunks, would make the read path unable to distinguish a real
// hole from a corrupt/missing chunk without extra bookkeeping).
//
// The gap floor is the larger of the durable inode size and this
// session's own writer size, not the writer's size alone: two handles
// opened against the same inode each start with their own ChunkedWriter
// tracking size independently, so a handle that has not yet written
// anything must not re-derive "gap" from a stale, session-local zero and
// zero-stomp chunks a sibling handle already sealed within the file's
// already-durable bounds.
func (fio *FileIO) Write(sess *Session, offset int64, data []byte) (int, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.writer == nil {
		return 0, fserrors.New("fileio.write", fserrors.PermissionDenied)
	}

	floor, err := fio.currentSize(sess)
	if err != nil {
		return 0, err
	}
	sess.writer.SyncSize(floor)

	gap := offset - sess.writer.Size()
	for gap > 0 {
		n := gap
		if n > cryptocodec.ChunkSize {
			n = cryptocodec.ChunkSize
		}
		if _, err := sess.writer.Write(sess.writer.Size(), make([]byte, n)); err != nil {
			return 0, err
		}
		gap -= n
	}

	return sess.writer.Write(offset, data)
}

// Flush seals and writes every dirty chunk in sess's writer, then updates
// the inode's size/block-count/timestamps to reflect the now-durably-
// staged content, per spec.md §4.6 ("update the inode size after the
// content change has been durably staged"). It does not fsync; see Sync.
func (fio *FileIO) Flush(sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fio.flushLocked(sess)
}

func (fio *FileIO) flushLocked(sess *Session) error {
	if sess.writer == nil {
		return nil
	}
	if err := sess.writer.Flush(sess.f); err != nil {
		return err
	}
	attr, err := fio.inodes.Load(sess.ino)
	if err != nil {
		return err
	}
	if newSize := uint64(sess.writer.Size()); newSize != attr.Size {
		attr.Size = newSize
		attr.Blocks = uint64(cryptocodec.NumChunks(int64(newSize)))
	}
	now := fio.inodes.Now()
	attr.Mtime = now
	attr.Ctime = now
	return fio.inodes.Store(attr)
}

// Sync flushes pending writes (as Flush does) and then forces the contents
// file to stable storage, resolving the flush/fsync distinction from
// spec.md §9: flush reaches the backing filesystem's page cache, fsync
// reaches disk.
func (fio *FileIO) Sync(sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := fio.flushLocked(sess); err != nil {
		return err
	}
	if err := sess.f.Sync(); err != nil {
		return fserrors.Wrap("fileio.sync", fserrors.Io, err)
	}
	return nil
}
