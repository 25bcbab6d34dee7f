package cryptocodec

import (
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/cryptofs/cryptofs/fserrors"
)

// ReaderState is one of the chunked reader's states from spec.md §4.2.
type ReaderState int

const (
	Idle ReaderState = iota
	Positioned
	Draining
	Exhausted
)

// ChunkedReader decrypts a contents file chunk by chunk, presenting a
// cleartext byte stream with seek support. A single ChunkedReader is not
// safe for concurrent use; FileIO serializes reads through a handle's own
// reader. fileSize is a snapshot, not a live view of the file — callers
// that may read after a write, flush, or truncate widened or shrank the
// file must call SetSize first (see FileIO.Read).
type ChunkedReader struct {
	aead     cipher.AEAD
	inode    uint64
	backing  io.ReaderAt
	fileSize int64 // cleartext size

	state      ReaderState
	chunkIdx   int64
	offInChunk int64
	plaintext  []byte // decrypted current chunk, nil unless Positioned/Draining
}

// NewChunkedReader constructs a reader over backing for the file identified
// by inode, whose cleartext size is fileSize.
func NewChunkedReader(aead cipher.AEAD, inode uint64, backing io.ReaderAt, fileSize int64) *ChunkedReader {
	return &ChunkedReader{
		aead:     aead,
		inode:    inode,
		backing:  backing,
		fileSize: fileSize,
		state:    Idle,
	}
}

// SetSize updates the reader's notion of the file's cleartext size. Unlike
// ChunkedWriter.SyncSize this can move the size in either direction: a
// shared reader must track truncation as well as growth, since it has no
// dirty buffer of its own to fall back on. Callers resync before every
// Seek so a reader constructed at session-open time keeps seeing writes
// and truncations flushed later in the same session or by a sibling
// handle on the same inode.
func (r *ChunkedReader) SetSize(n int64) {
	r.fileSize = n
}

// Seek transitions to Positioned(p/C, p%C), discarding any currently opened
// chunk. The chunk containing p is opened lazily on the next Read.
func (r *ChunkedReader) Seek(p int64) {
	r.plaintext = nil
	if p >= r.fileSize {
		r.state = Exhausted
		return
	}
	r.chunkIdx = p / ChunkSize
	r.offInChunk = p % ChunkSize
	r.state = Positioned
}

// Read decrypts and copies cleartext into buf, advancing across chunk
// boundaries as needed. It returns io.EOF only once Exhausted and buf could
// not be filled at all; a short, non-error read at end-of-file is reported
// via a shorter n the way io.Reader allows.
func (r *ChunkedReader) Read(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		switch r.state {
		case Idle:
			r.Seek(0)
			if r.state == Exhausted {
				return total, nil
			}
		case Exhausted:
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		case Positioned, Draining:
			if r.plaintext == nil {
				if err := r.openCurrentChunk(); err != nil {
					r.state = Exhausted
					return total, err
				}
				r.state = Draining
			}
			n := copy(buf[total:], r.plaintext[r.offInChunk:])
			total += n
			r.offInChunk += int64(n)
			if r.offInChunk >= int64(len(r.plaintext)) {
				r.chunkIdx++
				r.offInChunk = 0
				r.plaintext = nil
				if r.chunkIdx >= NumChunks(r.fileSize) {
					r.state = Exhausted
				} else {
					r.state = Positioned
				}
			}
		}
	}
	return total, nil
}

// openCurrentChunk decrypts chunk r.chunkIdx. A failed AEAD open is a
// terminal error per spec.md §4.2, surfaced as fserrors.Corrupt.
func (r *ChunkedReader) openCurrentChunk() error {
	clen := ChunkLen(r.fileSize, r.chunkIdx)
	sealed := make([]byte, NonceSize+clen+TagSize)
	n, err := r.backing.ReadAt(sealed, Offset(r.chunkIdx))
	if err != nil && !(err == io.EOF && int64(n) == int64(len(sealed))) {
		if err == io.EOF {
			return fserrors.Wrap("chunk_read", fserrors.Corrupt,
				fmt.Errorf("short chunk %d: got %d of %d bytes", r.chunkIdx, n, len(sealed)))
		}
		return fserrors.Wrap("chunk_read", fserrors.Io, err)
	}
	aad := ContentAAD(r.inode, uint64(r.chunkIdx))
	plaintext, err := Open(r.aead, aad, sealed)
	if err != nil {
		return fserrors.Wrap("chunk_read", fserrors.Corrupt, err)
	}
	r.plaintext = plaintext
	return nil
}

// State reports the reader's current state, primarily for tests.
func (r *ChunkedReader) State() ReaderState { return r.state }
