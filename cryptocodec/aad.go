package cryptocodec

import "encoding/binary"

// Association context tags. Every sealed blob on disk binds one of these as
// AEAD additional data, so ciphertext cannot be relocated between files (or
// between chunks of the same file) without the re-keyed Open failing.
const (
	domainContentChunk byte = 1
	domainInodeAttr    byte = 2
	domainDirEntry     byte = 3
	domainMasterKey    byte = 4
)

// ContentAAD returns the association context for chunk index idx of the
// content file belonging to inode ino: the tuple (inode, chunk_index) from
// spec.md §4.2.
func ContentAAD(ino uint64, idx uint64) []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = domainContentChunk
	binary.BigEndian.PutUint64(buf[1:9], ino)
	binary.BigEndian.PutUint64(buf[9:17], idx)
	return buf
}

// InodeAttrAAD returns the association context for the attributes record of
// inode ino.
func InodeAttrAAD(ino uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = domainInodeAttr
	binary.BigEndian.PutUint64(buf[1:9], ino)
	return buf
}

// DirEntryAAD returns the association context for a directory entry record:
// binding both the parent inode and the name-hash filename prevents an
// entry from one directory being moved under another on-disk without
// detection.
func DirEntryAAD(parent uint64, nameHash []byte) []byte {
	buf := make([]byte, 1+8+len(nameHash))
	buf[0] = domainDirEntry
	binary.BigEndian.PutUint64(buf[1:9], parent)
	copy(buf[9:], nameHash)
	return buf
}

// MasterKeyAAD returns the fixed per-record domain tag for the master-key
// file; it carries no instance data since there is only ever one.
func MasterKeyAAD() []byte {
	return []byte{domainMasterKey}
}
