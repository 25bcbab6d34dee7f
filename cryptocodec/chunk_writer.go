package cryptocodec

import (
	"crypto/cipher"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cryptofs/cryptofs/fserrors"
)

// ChunkedWriter buffers cleartext writes per chunk in memory. Flush seals
// and writes each dirty chunk's fixed-size slot in the contents file;
// nothing is staged to the backing store before Flush, matching the open
// question in spec.md §9 ("flush flushes to the page cache, fsync forces to
// stable storage") — here "page cache" is this in-memory dirty-chunk map.
//
// A single ChunkedWriter is scoped to one handle and is safe for
// concurrent Write calls from that handle (mirrors FileIO's contract that
// writes crossing chunk boundaries may be split and issued in parallel,
// while writes landing in the same chunk are serialized).
type ChunkedWriter struct {
	aead    cipher.AEAD
	inode   uint64
	backing io.ReaderAt

	mu       sync.Mutex
	size     int64 // cleartext size as of the last Write/Flush
	dirty    map[int64][]byte
	chunkMus map[int64]*sync.Mutex
}

// NewChunkedWriter constructs a writer over backing (used to fault in the
// base content of a chunk that is only partially overwritten) for inode,
// whose cleartext size is currently size.
func NewChunkedWriter(aead cipher.AEAD, inode uint64, backing io.ReaderAt, size int64) *ChunkedWriter {
	return &ChunkedWriter{
		aead:     aead,
		inode:    inode,
		backing:  backing,
		size:     size,
		dirty:    make(map[int64][]byte),
		chunkMus: make(map[int64]*sync.Mutex),
	}
}

// Size returns the writer's view of the cleartext file size, including any
// not-yet-flushed writes.
func (w *ChunkedWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// SyncSize raises the writer's size floor to at least n without touching
// the dirty map. It exists for the case where the durable file has grown
// behind this writer's back (another handle on the same inode flushed
// past where this writer last knew about), so a later gap-fill computes
// its zero range from the true current tail instead of re-deriving a gap
// over chunks that already hold real sealed content this writer never
// loaded.
func (w *ChunkedWriter) SyncSize(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.size {
		w.size = n
	}
}

func (w *ChunkedWriter) chunkLock(idx int64) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.chunkMus[idx]
	if !ok {
		m = &sync.Mutex{}
		w.chunkMus[idx] = m
	}
	return m
}

// Write overlays data at cleartext offset. If offset extends past the
// current size, the gap is conceptually zero, per spec.md §4.6; it is
// materialized as zero bytes in the dirty chunk buffer so a read before
// Flush still sees zeros (FileIO serves reads of not-yet-flushed data from
// this writer first).
func (w *ChunkedWriter) Write(offset int64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	end := offset + int64(len(data))

	startChunk := offset / ChunkSize
	endChunk := (end - 1) / ChunkSize

	for idx := startChunk; idx <= endChunk; idx++ {
		lock := w.chunkLock(idx)
		lock.Lock()
		chunkStart := idx * ChunkSize
		lo := int64(0)
		if offset > chunkStart {
			lo = offset - chunkStart
		}
		hi := int64(ChunkSize)
		if end < chunkStart+ChunkSize {
			hi = end - chunkStart
		}

		buf, err := w.loadOrFault(idx)
		if err != nil {
			lock.Unlock()
			return 0, err
		}
		if int64(len(buf)) < hi {
			grown := make([]byte, hi)
			copy(grown, buf)
			buf = grown
		}
		srcOff := chunkStart + lo - offset
		copy(buf[lo:hi], data[srcOff:srcOff+(hi-lo)])

		w.mu.Lock()
		w.dirty[idx] = buf
		w.mu.Unlock()
		lock.Unlock()
	}

	w.mu.Lock()
	if end > w.size {
		w.size = end
	}
	w.mu.Unlock()

	return len(data), nil
}

// loadOrFault returns the current dirty buffer for chunk idx, faulting it
// in from the backing store (or a zero buffer, for chunks past the current
// tail) if this is the first write to touch it.
func (w *ChunkedWriter) loadOrFault(idx int64) ([]byte, error) {
	w.mu.Lock()
	if buf, ok := w.dirty[idx]; ok {
		w.mu.Unlock()
		return buf, nil
	}
	size := w.size
	w.mu.Unlock()

	if idx >= NumChunks(size) {
		return nil, nil
	}
	clen := ChunkLen(size, idx)
	sealed := make([]byte, NonceSize+clen+TagSize)
	n, err := w.backing.ReadAt(sealed, Offset(idx))
	if err != nil && !(err == io.EOF && int64(n) == int64(len(sealed))) {
		if err == io.EOF {
			return nil, fserrors.Wrap("chunk_write", fserrors.Corrupt,
				fmt.Errorf("short chunk %d on fault-in", idx))
		}
		return nil, fserrors.Wrap("chunk_write", fserrors.Io, err)
	}
	plaintext, err := Open(w.aead, ContentAAD(w.inode, uint64(idx)), sealed)
	if err != nil {
		return nil, fserrors.Wrap("chunk_write", fserrors.Corrupt, err)
	}
	return plaintext, nil
}

// Flush seals every dirty chunk under a fresh nonce and writes its
// fixed-size slot into the contents file via out, trimming the final chunk
// to the writer's current size. Chunks are flushed in index order for
// determinism. A ChunkedWriter only ever flushes chunks it was itself
// written to (see FileIO.Write's gap-fill floor), so two writers on the
// same inode flushing concurrently touch disjoint chunk slots rather than
// needing a shared lock between them.
func (w *ChunkedWriter) Flush(out io.WriterAt) error {
	w.mu.Lock()
	idxs := make([]int64, 0, len(w.dirty))
	for idx := range w.dirty {
		idxs = append(idxs, idx)
	}
	size := w.size
	w.mu.Unlock()
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	for _, idx := range idxs {
		w.mu.Lock()
		buf := w.dirty[idx]
		w.mu.Unlock()

		want := ChunkLen(size, idx)
		if int64(len(buf)) < want {
			grown := make([]byte, want)
			copy(grown, buf)
			buf = grown
		} else if int64(len(buf)) > want {
			buf = buf[:want]
		}

		sealed, err := Seal(w.aead, ContentAAD(w.inode, uint64(idx)), buf)
		if err != nil {
			return fserrors.Wrap("chunk_write", fserrors.Io, err)
		}
		if _, err := out.WriteAt(sealed, Offset(idx)); err != nil {
			return fserrors.Wrap("chunk_write", fserrors.Io, err)
		}
	}

	w.mu.Lock()
	w.dirty = make(map[int64][]byte)
	w.mu.Unlock()
	return nil
}

// Dirty reports whether idx has unflushed writes, and if so its buffered
// cleartext. Used by FileIO to serve reads-after-write before a flush.
func (w *ChunkedWriter) Dirty(idx int64) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, ok := w.dirty[idx]
	return buf, ok
}
