package inode

import (
	"crypto/cipher"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/store"
)

type fakeKeys struct {
	aead     cipher.AEAD
	nameHash []byte
	cipherID cryptocodec.CipherID
}

func (f *fakeKeys) Acquire() (cipher.AEAD, []byte, cryptocodec.CipherID, error) {
	return f.aead, f.nameHash, f.cipherID, nil
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	dir := t.TempDir()
	st := store.Open(dir)
	require.NoError(t, st.EnsureStructure())
	aead, err := cryptocodec.NewAEAD(cryptocodec.CipherChaCha20Poly1305, make([]byte, cryptocodec.KeySize))
	require.NoError(t, err)
	keys := &fakeKeys{aead: aead, nameHash: make([]byte, store.NameHashKeySize), cipherID: cryptocodec.CipherChaCha20Poly1305}
	return New(st, keys, clock.NewSimulatedClock(time.Unix(0, 0)))
}

func TestEnsureRootExistsIsIdempotent(t *testing.T) {
	tb := newTestTable(t)
	require.NoError(t, tb.EnsureRootExists())
	require.NoError(t, tb.EnsureRootExists())

	root, err := tb.Load(RootInode)
	require.NoError(t, err)
	require.Equal(t, KindDir, root.Kind)
	require.EqualValues(t, 2, root.Nlink)
}

func TestAllocateRejectsReservedRangeAndLoadsBack(t *testing.T) {
	tb := newTestTable(t)
	a, err := tb.Allocate(KindRegular, 0o644, 1000, 1000, "")
	require.NoError(t, err)
	require.Greater(t, a.Ino, reservedInodeCeiling)
	require.EqualValues(t, 1, a.Nlink)

	loaded, err := tb.Load(a.Ino)
	require.NoError(t, err)
	require.Equal(t, a.Mode, loaded.Mode)
}

func TestLoadUnknownInodeIsNotFound(t *testing.T) {
	tb := newTestTable(t)
	_, err := tb.Load(999999)
	require.Error(t, err)
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}

func TestUnlinkDestroysWhenNoHandlesOpen(t *testing.T) {
	tb := newTestTable(t)
	a, err := tb.Allocate(KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	require.NoError(t, tb.Unlink(a.Ino))

	_, err = tb.Load(a.Ino)
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}

func TestUnlinkOrphansWhileOpenThenDestroysOnClose(t *testing.T) {
	tb := newTestTable(t)
	a, err := tb.Allocate(KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	tb.OpenRef(a.Ino)
	require.NoError(t, tb.Unlink(a.Ino))

	// Still present: a handle is open.
	loaded, err := tb.Load(a.Ino)
	require.NoError(t, err)
	require.True(t, loaded.Orphaned)

	require.NoError(t, tb.CloseRef(a.Ino))

	_, err = tb.Load(a.Ino)
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}

func TestUnlinkDirectoryDropsBothLinks(t *testing.T) {
	tb := newTestTable(t)
	a, err := tb.Allocate(KindDir, 0o755, 0, 0, "")
	require.NoError(t, err)
	require.EqualValues(t, 2, a.Nlink)

	require.NoError(t, tb.UnlinkDirectory(a.Ino))

	_, err = tb.Load(a.Ino)
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}

func TestUnlinkDirectoryRejectsRegularFile(t *testing.T) {
	tb := newTestTable(t)
	a, err := tb.Allocate(KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	err = tb.UnlinkDirectory(a.Ino)
	require.Equal(t, fserrors.NotADirectory, fserrors.CodeOf(err))
}

func TestTouchBumpsTimestamps(t *testing.T) {
	tb := newTestTable(t)
	a, err := tb.Allocate(KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	before := a.Mtime

	sc := tb.clock.(*clock.SimulatedClock)
	sc.AdvanceTime(time.Second)

	require.NoError(t, tb.Touch(a.Ino, true))
	after, err := tb.Load(a.Ino)
	require.NoError(t, err)
	require.True(t, after.Mtime.After(before))
}
