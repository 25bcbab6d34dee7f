package direntry

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jacobsa/syncutil"

	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
)

// DirEnt is one entry yielded by Enumerate.
type DirEnt struct {
	Name  string
	Inode uint64
	Kind  uint8
}

// Enumerate lists parent's children as of the moment of the call. Listing
// the hashed filenames is cheap; decrypting each entry record is the
// expensive part, so the individual opens run concurrently via
// syncutil.Bundle (disjoint files, safe to parallelize) the same way
// gcsfuse's DirInode fans out independent per-child stats.
//
// The directory's mutation generation is captured before decrypting and
// re-checked after: if Insert/Remove/Rename touched parent in between,
// Enumerate returns fserrors.Staleness instead of a possibly-inconsistent
// listing, per spec.md §4.5.
func (ix *Index) Enumerate(ctx context.Context, parent uint64) ([]DirEnt, error) {
	gen := ix.generationCounter(parent)
	startGen := gen.Load()

	names, err := os.ReadDir(ix.store.EntryParentDir(parent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fserrors.New("direntry.enumerate", fserrors.NotFound)
		}
		return nil, fserrors.Wrap("direntry.enumerate", fserrors.Io, err)
	}

	aead, _, _, err := ix.keys.Acquire()
	if err != nil {
		return nil, err
	}

	results := make([]DirEnt, len(names))
	errs := make([]error, len(names))

	b := syncutil.NewBundle(ctx)
	for i, de := range names {
		i, de := i, de
		b.Add(func(ctx context.Context) error {
			hash := filepath.Base(de.Name())
			sealed, readErr := os.ReadFile(filepath.Join(ix.store.EntryParentDir(parent), hash))
			if readErr != nil {
				errs[i] = fserrors.Wrap("direntry.enumerate", fserrors.Io, readErr)
				return nil
			}
			plaintext, openErr := cryptocodec.Open(aead, cryptocodec.DirEntryAAD(parent, []byte(hash)), sealed)
			if openErr != nil {
				errs[i] = fserrors.Wrap("direntry.enumerate", fserrors.Corrupt, openErr)
				return nil
			}
			e, decodeErr := decodeEntry(plaintext)
			if decodeErr != nil {
				errs[i] = fserrors.Wrap("direntry.enumerate", fserrors.Corrupt, decodeErr)
				return nil
			}
			results[i] = DirEnt{Name: e.Name, Inode: e.Inode, Kind: uint8(e.Kind)}
			return nil
		})
	}
	if err := b.Join(); err != nil {
		return nil, fserrors.Wrap("direntry.enumerate", fserrors.Io, err)
	}
	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}

	if gen.Load() != startGen {
		return nil, fserrors.New("direntry.enumerate", fserrors.Staleness)
	}
	return results, nil
}
