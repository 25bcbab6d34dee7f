package direntry

import (
	"os"

	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/inode"
)

// FsckReport is the result of one Fsck pass: the OPTIONAL post-mount
// consistency pass named in spec.md §9. It is read-only — repair policy
// is left to the CLI layer, out of scope here.
type FsckReport struct {
	// DanglingEntries are decrypted directory entries whose target inode
	// has no corresponding attributes file.
	DanglingEntries []DanglingEntry

	// UnreachableInodes are inode numbers (other than inode.RootInode)
	// that never appear as the target of any directory entry.
	UnreachableInodes []uint64
}

// DanglingEntry names one entry pointing at a missing inode.
type DanglingEntry struct {
	Parent uint64
	Name   string
	Target uint64
}

// Fsck walks every directory-entry file reachable from the entries/
// directory, decrypting each to learn its target inode, and cross-
// references the result against the set of inodes that actually have an
// attributes file. It requires key material (unlike a purely structural
// scrub) because the target inode number is only visible after AEAD-
// opening the entry record.
func (ix *Index) Fsck() (FsckReport, error) {
	aead, _, _, err := ix.keys.Acquire()
	if err != nil {
		return FsckReport{}, err
	}

	inodeNums, err := ix.store.InodeNumbers()
	if err != nil {
		return FsckReport{}, err
	}
	existing := make(map[uint64]bool, len(inodeNums))
	for _, ino := range inodeNums {
		existing[ino] = true
	}

	parents, err := ix.store.EntryParents()
	if err != nil {
		return FsckReport{}, err
	}

	var rep FsckReport
	referenced := map[uint64]bool{inode.RootInode: true}

	for _, parent := range parents {
		hashes, err := ix.store.EntryHashesUnder(parent)
		if err != nil {
			return FsckReport{}, err
		}
		for _, hash := range hashes {
			sealed, readErr := os.ReadFile(ix.store.EntryPath(parent, hash))
			if readErr != nil {
				if os.IsNotExist(readErr) {
					continue // removed mid-walk; not a consistency defect
				}
				return FsckReport{}, fserrors.Wrap("direntry.fsck", fserrors.Io, readErr)
			}
			plaintext, openErr := cryptocodec.Open(aead, cryptocodec.DirEntryAAD(parent, []byte(hash)), sealed)
			if openErr != nil {
				return FsckReport{}, fserrors.Wrap("direntry.fsck", fserrors.Corrupt, openErr)
			}
			e, decodeErr := decodeEntry(plaintext)
			if decodeErr != nil {
				return FsckReport{}, fserrors.Wrap("direntry.fsck", fserrors.Corrupt, decodeErr)
			}
			referenced[e.Inode] = true
			if !existing[e.Inode] {
				rep.DanglingEntries = append(rep.DanglingEntries, DanglingEntry{Parent: parent, Name: e.Name, Target: e.Inode})
			}
		}
	}

	for _, ino := range inodeNums {
		if !referenced[ino] {
			rep.UnreachableInodes = append(rep.UnreachableInodes, ino)
		}
	}
	return rep, nil
}
