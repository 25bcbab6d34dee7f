package store

import (
	"os"
	"strconv"

	"github.com/cryptofs/cryptofs/fserrors"
)

// InodeNumbers lists every inode number with an attributes file on disk,
// for statfs's aggregate counts and Fsck's reachability pass.
func (s *Store) InodeNumbers() ([]uint64, error) {
	entries, err := os.ReadDir(s.inodesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fserrors.Wrap("store.inode_numbers", fserrors.Io, err)
	}
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		ino, perr := strconv.ParseUint(e.Name(), 10, 64)
		if perr != nil {
			continue // not one of ours; ignore stray files
		}
		out = append(out, ino)
	}
	return out, nil
}

// EntryParents lists every parent inode number that has an entries/<parent>
// directory on disk, for Fsck's reachability pass. A listed directory may
// be empty: removing a directory's last entry leaves it in place.
func (s *Store) EntryParents() ([]uint64, error) {
	entries, err := os.ReadDir(s.entriesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fserrors.Wrap("store.entry_parents", fserrors.Io, err)
	}
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		parent, perr := strconv.ParseUint(e.Name(), 10, 64)
		if perr != nil {
			continue
		}
		out = append(out, parent)
	}
	return out, nil
}

// EntryHashesUnder lists the raw (undecrypted) entry filenames under
// parent, for Fsck's reachability pass. It does not decrypt or validate
// them.
func (s *Store) EntryHashesUnder(parent uint64) ([]string, error) {
	entries, err := os.ReadDir(s.EntryParentDir(parent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fserrors.Wrap("store.entry_hashes_under", fserrors.Io, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}
