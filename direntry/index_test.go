package direntry

import (
	"context"
	"crypto/cipher"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/inode"
	"github.com/cryptofs/cryptofs/store"
)

type fakeKeys struct {
	aead     cipher.AEAD
	nameHash []byte
}

func (f *fakeKeys) Acquire() (cipher.AEAD, []byte, cryptocodec.CipherID, error) {
	return f.aead, f.nameHash, cryptocodec.CipherChaCha20Poly1305, nil
}

func newTestIndex(t *testing.T) (*Index, *inode.Table) {
	t.Helper()
	dir := t.TempDir()
	st := store.Open(dir)
	require.NoError(t, st.EnsureStructure())
	aead, err := cryptocodec.NewAEAD(cryptocodec.CipherChaCha20Poly1305, make([]byte, cryptocodec.KeySize))
	require.NoError(t, err)
	keys := &fakeKeys{aead: aead, nameHash: make([]byte, store.NameHashKeySize)}
	tb := inode.New(st, keys, clock.NewSimulatedClock(time.Unix(0, 0)))
	require.NoError(t, tb.EnsureRootExists())
	return New(st, keys, tb), tb
}

func TestInsertLookupRemoveRoundTrip(t *testing.T) {
	ix, tb := newTestIndex(t)
	child, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	require.NoError(t, ix.Insert(inode.RootInode, "a.txt", child.Ino, inode.KindRegular))

	ino, kind, err := ix.Lookup(inode.RootInode, "a.txt")
	require.NoError(t, err)
	require.Equal(t, child.Ino, ino)
	require.Equal(t, inode.KindRegular, kind)

	require.NoError(t, ix.Remove(inode.RootInode, "a.txt"))
	_, _, err = ix.Lookup(inode.RootInode, "a.txt")
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}

func TestInsertDuplicateIsAlreadyExists(t *testing.T) {
	ix, tb := newTestIndex(t)
	child, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(inode.RootInode, "a.txt", child.Ino, inode.KindRegular))

	err = ix.Insert(inode.RootInode, "a.txt", child.Ino, inode.KindRegular)
	require.Equal(t, fserrors.AlreadyExists, fserrors.CodeOf(err))
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	ix, tb := newTestIndex(t)
	dir, err := tb.Allocate(inode.KindDir, 0o755, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(inode.RootInode, "d", dir.Ino, inode.KindDir))

	child, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(dir.Ino, "f.txt", child.Ino, inode.KindRegular))

	err = ix.Remove(inode.RootInode, "d")
	require.Equal(t, fserrors.NotEmpty, fserrors.CodeOf(err))
}

func TestRenameMovesEntryAndRejectsNonEmptyTarget(t *testing.T) {
	ix, tb := newTestIndex(t)
	dir, err := tb.Allocate(inode.KindDir, 0o755, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(inode.RootInode, "d", dir.Ino, inode.KindDir))

	require.NoError(t, ix.Rename(inode.RootInode, "d", inode.RootInode, "e"))

	_, _, err = ix.Lookup(inode.RootInode, "d")
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
	ino, kind, err := ix.Lookup(inode.RootInode, "e")
	require.NoError(t, err)
	require.Equal(t, dir.Ino, ino)
	require.Equal(t, inode.KindDir, kind)

	otherDir, err := tb.Allocate(inode.KindDir, 0o755, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(inode.RootInode, "f", otherDir.Ino, inode.KindDir))
	child, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(otherDir.Ino, "x.txt", child.Ino, inode.KindRegular))

	err = ix.Rename(inode.RootInode, "e", inode.RootInode, "f")
	require.Equal(t, fserrors.NotEmpty, fserrors.CodeOf(err))
}

func TestEnumerateYieldsEachChildOnce(t *testing.T) {
	ix, tb := newTestIndex(t)
	names := []string{"one", "two", "three"}
	for _, n := range names {
		child, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
		require.NoError(t, err)
		require.NoError(t, ix.Insert(inode.RootInode, n, child.Ino, inode.KindRegular))
	}

	ents, err := ix.Enumerate(context.Background(), inode.RootInode)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	seen := map[string]bool{}
	for _, e := range ents {
		seen[e.Name] = true
	}
	for _, n := range names {
		require.True(t, seen[n])
	}
}
