// Package fileio implements the FileIO component from spec.md §4.6:
// random-access read/write over the chunked codec, seek, truncate, and
// flush/sync, atop per-handle cryptocodec.ChunkedReader/ChunkedWriter
// pairs.
package fileio

import (
	"os"
	"sync"

	"github.com/cryptofs/cryptofs/cryptocodec"
)

// Session is the per-handle I/O state HandleRegistry attaches to an open
// file handle: the backing contents file descriptor plus a chunked reader
// (always present) and a chunked writer (present only for writable
// handles). It owns no reference back to the inode table or its owning
// handle, per spec.md §9's strict-ownership rule against reference cycles.
type Session struct {
	ino uint64
	f   *os.File

	mu     sync.Mutex
	reader *cryptocodec.ChunkedReader
	writer *cryptocodec.ChunkedWriter
}

// Close releases the backing file descriptor. It does not flush; callers
// must call Flush first if pending writes must be staged.
func (s *Session) Close() error {
	return s.f.Close()
}
