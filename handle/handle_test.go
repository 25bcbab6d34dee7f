package handle

import (
	"crypto/cipher"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fileio"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/inode"
	"github.com/cryptofs/cryptofs/store"
)

type fakeKeys struct {
	aead cipher.AEAD
}

func (f *fakeKeys) Acquire() (cipher.AEAD, []byte, cryptocodec.CipherID, error) {
	return f.aead, make([]byte, store.NameHashKeySize), cryptocodec.CipherChaCha20Poly1305, nil
}

func newTestRegistry(t *testing.T) (*Registry, *inode.Table) {
	t.Helper()
	dir := t.TempDir()
	st := store.Open(dir)
	require.NoError(t, st.EnsureStructure())
	aead, err := cryptocodec.NewAEAD(cryptocodec.CipherChaCha20Poly1305, make([]byte, cryptocodec.KeySize))
	require.NoError(t, err)
	keys := &fakeKeys{aead: aead}
	tb := inode.New(st, keys, clock.NewSimulatedClock(time.Unix(0, 0)))
	fio := fileio.New(st, keys, tb)
	return New(fio, tb), tb
}

func TestOpenRejectsNeitherReadNorWrite(t *testing.T) {
	reg, tb := newTestRegistry(t)
	a, err := tb.Allocate(inode.KindRegular, 0o644, 42, 42, "")
	require.NoError(t, err)

	_, err = reg.Open(a.Ino, Principal{Uid: 42, Gid: 42}, false, false, false)
	require.Equal(t, fserrors.PermissionDenied, fserrors.CodeOf(err))
}

func TestOpenRejectsWriteBeyondPermissions(t *testing.T) {
	reg, tb := newTestRegistry(t)
	a, err := tb.Allocate(inode.KindRegular, 0o444, 42, 42, "")
	require.NoError(t, err)

	_, err = reg.Open(a.Ino, Principal{Uid: 42, Gid: 42}, false, true, false)
	require.Equal(t, fserrors.PermissionDenied, fserrors.CodeOf(err))

	h, err := reg.Open(a.Ino, Principal{Uid: 42, Gid: 42}, true, false, false)
	require.NoError(t, err)
	require.NoError(t, reg.Release(h.ID))
}

func TestOpenGroupAndOtherClasses(t *testing.T) {
	reg, tb := newTestRegistry(t)
	a, err := tb.Allocate(inode.KindRegular, 0o640, 42, 7, "")
	require.NoError(t, err)

	h, err := reg.Open(a.Ino, Principal{Uid: 1, Gid: 7}, true, false, false)
	require.NoError(t, err)
	require.NoError(t, reg.Release(h.ID))

	_, err = reg.Open(a.Ino, Principal{Uid: 1, Gid: 7}, false, true, false)
	require.Equal(t, fserrors.PermissionDenied, fserrors.CodeOf(err))

	_, err = reg.Open(a.Ino, Principal{Uid: 99, Gid: 99}, true, false, false)
	require.Equal(t, fserrors.PermissionDenied, fserrors.CodeOf(err))
}

func TestOpenGetReleaseLifecycle(t *testing.T) {
	reg, tb := newTestRegistry(t)
	a, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	h, err := reg.Open(a.Ino, Principal{}, true, true, false)
	require.NoError(t, err)
	require.NotZero(t, h.ID)

	got, err := reg.Get(h.ID)
	require.NoError(t, err)
	require.Same(t, h, got)

	require.NoError(t, reg.Release(h.ID))
	_, err = reg.Get(h.ID)
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}

func TestReleaseUnknownHandleIsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Release(12345)
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}

func TestUnlinkWhileHandleOpenDefersDestroy(t *testing.T) {
	reg, tb := newTestRegistry(t)
	a, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	h, err := reg.Open(a.Ino, Principal{}, true, true, false)
	require.NoError(t, err)

	require.NoError(t, tb.Unlink(a.Ino))
	loaded, err := tb.Load(a.Ino)
	require.NoError(t, err)
	require.True(t, loaded.Orphaned)

	require.NoError(t, reg.Release(h.ID))
	_, err = tb.Load(a.Ino)
	require.Equal(t, fserrors.NotFound, fserrors.CodeOf(err))
}
