// Package direntry implements the DirectoryIndex component from
// spec.md §4.5: encrypted directory entries keyed by a hash of the
// cleartext child name, lookup/insert/remove, and a staleness-detecting
// enumeration. Enumerate is not lazy: it decrypts every entry and returns
// the whole listing as one slice.
package direntry

import (
	"encoding/binary"
	"fmt"

	"github.com/cryptofs/cryptofs/inode"
)

// entry is the decoded payload of one directory-entry file: the child
// inode number, its kind, and the original cleartext name (kept alongside
// the hash so lookup can defend against hash collisions, per spec.md
// §4.5).
type entry struct {
	Inode uint64
	Kind  inode.Kind
	Name  string
}

func encodeEntry(e entry) []byte {
	name := []byte(e.Name)
	buf := make([]byte, 8+1+4+len(name))
	binary.BigEndian.PutUint64(buf[0:8], e.Inode)
	buf[8] = byte(e.Kind)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(name)))
	copy(buf[13:], name)
	return buf
}

func decodeEntry(data []byte) (entry, error) {
	if len(data) < 13 {
		return entry{}, fmt.Errorf("direntry: entry record truncated (%d bytes)", len(data))
	}
	kind := inode.Kind(data[8])
	if !kind.Valid() {
		return entry{}, fmt.Errorf("direntry: unknown kind %d", data[8])
	}
	nameLen := binary.BigEndian.Uint32(data[9:13])
	if uint64(len(data)) < 13+uint64(nameLen) {
		return entry{}, fmt.Errorf("direntry: entry record truncated (name)")
	}
	return entry{
		Inode: binary.BigEndian.Uint64(data[0:8]),
		Kind:  kind,
		Name:  string(data[13 : 13+nameLen]),
	}, nil
}
