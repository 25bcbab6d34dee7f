package inode

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Attr is the decoded attributes record for one inode: kind, size, block
// count, the four POSIX-style timestamps, permission bits, owner/group,
// link count, an optional symlink target, and a flags word. This is the
// in-memory shape of the "Inode file" record from spec.md §6; RootInode
// (1) is the only inode ever created implicitly, by EnsureRootExists.
type Attr struct {
	Ino     uint64
	Kind    Kind
	Size    uint64
	Blocks  uint64
	Mode    uint32 // permission bits only, POSIX-style
	Uid     uint32
	Gid     uint32
	Nlink   uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Crtime  time.Time
	Flags   uint32
	Target  string // symlink target; empty for regular files and directories
	Orphaned bool  // in-memory only, never persisted: link count hit 0 with handles still open
}

const attrFixedLen = 8 + 1 + 8 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4

// encodeAttr serializes attr to bytes for sealing. Orphaned is
// deliberately excluded: it is reconstructed in memory from link count and
// open count, never trusted from disk.
func encodeAttr(a *Attr) []byte {
	target := []byte(a.Target)
	buf := make([]byte, attrFixedLen+len(target))
	binary.BigEndian.PutUint64(buf[0:8], a.Ino)
	buf[8] = byte(a.Kind)
	binary.BigEndian.PutUint64(buf[9:17], a.Size)
	binary.BigEndian.PutUint64(buf[17:25], a.Blocks)
	binary.BigEndian.PutUint32(buf[25:29], a.Mode)
	binary.BigEndian.PutUint32(buf[29:33], a.Uid)
	binary.BigEndian.PutUint32(buf[33:37], a.Gid)
	binary.BigEndian.PutUint32(buf[37:41], a.Nlink)
	binary.BigEndian.PutUint64(buf[41:49], uint64(a.Atime.UnixNano()))
	binary.BigEndian.PutUint64(buf[49:57], uint64(a.Mtime.UnixNano()))
	binary.BigEndian.PutUint64(buf[57:65], uint64(a.Ctime.UnixNano()))
	binary.BigEndian.PutUint64(buf[65:73], uint64(a.Crtime.UnixNano()))
	binary.BigEndian.PutUint32(buf[73:77], a.Flags)
	binary.BigEndian.PutUint32(buf[77:81], uint32(len(target)))
	copy(buf[81:], target)
	return buf
}

func decodeAttr(data []byte) (*Attr, error) {
	if len(data) < attrFixedLen {
		return nil, fmt.Errorf("inode: attribute record truncated (%d bytes)", len(data))
	}
	a := &Attr{
		Ino:    binary.BigEndian.Uint64(data[0:8]),
		Kind:   Kind(data[8]),
		Size:   binary.BigEndian.Uint64(data[9:17]),
		Blocks: binary.BigEndian.Uint64(data[17:25]),
		Mode:   binary.BigEndian.Uint32(data[25:29]),
		Uid:    binary.BigEndian.Uint32(data[29:33]),
		Gid:    binary.BigEndian.Uint32(data[33:37]),
		Nlink:  binary.BigEndian.Uint32(data[37:41]),
		Atime:  time.Unix(0, int64(binary.BigEndian.Uint64(data[41:49]))).UTC(),
		Mtime:  time.Unix(0, int64(binary.BigEndian.Uint64(data[49:57]))).UTC(),
		Ctime:  time.Unix(0, int64(binary.BigEndian.Uint64(data[57:65]))).UTC(),
		Crtime: time.Unix(0, int64(binary.BigEndian.Uint64(data[65:73]))).UTC(),
		Flags:  binary.BigEndian.Uint32(data[73:77]),
	}
	if !a.Kind.Valid() {
		return nil, fmt.Errorf("inode: unknown kind %d", data[8])
	}
	targetLen := binary.BigEndian.Uint32(data[77:81])
	if uint64(len(data)) < uint64(attrFixedLen)+uint64(targetLen) {
		return nil, fmt.Errorf("inode: attribute record truncated (symlink target)")
	}
	if targetLen > 0 {
		a.Target = string(data[81 : 81+targetLen])
	}
	return a, nil
}

// Clone returns a deep copy, safe to hand to a caller outside the table's
// lock.
func (a *Attr) Clone() *Attr {
	cp := *a
	return &cp
}
