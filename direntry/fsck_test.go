package direntry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptofs/cryptofs/inode"
)

func TestFsckCleanTreeReportsNothing(t *testing.T) {
	ix, tb := newTestIndex(t)
	child, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(inode.RootInode, "a.txt", child.Ino, inode.KindRegular))

	rep, err := ix.Fsck()
	require.NoError(t, err)
	require.Empty(t, rep.DanglingEntries)
	require.Empty(t, rep.UnreachableInodes)
}

func TestFsckDetectsDanglingEntryAndUnreachableInode(t *testing.T) {
	ix, tb := newTestIndex(t)
	child, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, ix.Insert(inode.RootInode, "a.txt", child.Ino, inode.KindRegular))

	// Remove the inode file directly, leaving the entry dangling.
	require.NoError(t, os.Remove(ix.store.InodePath(child.Ino)))

	orphan, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	rep, err := ix.Fsck()
	require.NoError(t, err)
	require.Len(t, rep.DanglingEntries, 1)
	require.Equal(t, child.Ino, rep.DanglingEntries[0].Target)
	require.Contains(t, rep.UnreachableInodes, orphan.Ino)
}
