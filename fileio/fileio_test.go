package fileio

import (
	"bytes"
	"crypto/cipher"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/inode"
	"github.com/cryptofs/cryptofs/store"
)

type fakeKeys struct {
	aead cipher.AEAD
}

func (f *fakeKeys) Acquire() (cipher.AEAD, []byte, cryptocodec.CipherID, error) {
	return f.aead, make([]byte, store.NameHashKeySize), cryptocodec.CipherChaCha20Poly1305, nil
}

func newTestFileIO(t *testing.T) (*FileIO, *inode.Table) {
	t.Helper()
	dir := t.TempDir()
	st := store.Open(dir)
	require.NoError(t, st.EnsureStructure())
	aead, err := cryptocodec.NewAEAD(cryptocodec.CipherChaCha20Poly1305, make([]byte, cryptocodec.KeySize))
	require.NoError(t, err)
	keys := &fakeKeys{aead: aead}
	tb := inode.New(st, keys, clock.NewSimulatedClock(time.Unix(0, 0)))
	return New(st, keys, tb), tb
}

func TestWriteFlushReadRoundTrip(t *testing.T) {
	fio, tb := newTestFileIO(t)
	a, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)

	sess, err := fio.OpenSession(a.Ino, true)
	require.NoError(t, err)
	defer sess.Close()

	n, err := fio.Write(sess, 0, []byte("test\n"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, fio.Flush(sess))

	buf := make([]byte, 5)
	n, err = fio.Read(sess, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "test\n", string(buf))
}

func TestReadAfterWriteBeforeFlush(t *testing.T) {
	fio, tb := newTestFileIO(t)
	a, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	sess, err := fio.OpenSession(a.Ino, true)
	require.NoError(t, err)
	defer sess.Close()

	_, err = fio.Write(sess, 0, []byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := fio.Read(sess, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestTruncateShortensAndZeroFillsOnRegrow(t *testing.T) {
	fio, tb := newTestFileIO(t)
	a, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	sess, err := fio.OpenSession(a.Ino, true)
	require.NoError(t, err)

	_, err = fio.Write(sess, 0, []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, fio.Flush(sess))
	require.NoError(t, sess.Close())

	require.NoError(t, fio.Truncate(a.Ino, 5))

	sess2, err := fio.OpenSession(a.Ino, true)
	require.NoError(t, err)
	defer sess2.Close()

	buf := make([]byte, 5)
	n, err := fio.Read(sess2, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	n, err = fio.Read(sess2, 5, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = fio.Write(sess2, 10, []byte("!"))
	require.NoError(t, err)
	require.NoError(t, fio.Flush(sess2))

	attr, err := tb.Load(a.Ino)
	require.NoError(t, err)
	require.EqualValues(t, 11, attr.Size)

	full := make([]byte, 11)
	n, err = fio.Read(sess2, 0, full)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello", string(full[0:5]))
	require.True(t, bytes.Equal(full[5:10], make([]byte, 5)))
	require.Equal(t, "!", string(full[10:11]))
}

func TestSequentialDisjointChunkWrites(t *testing.T) {
	fio, tb := newTestFileIO(t)
	a, err := tb.Allocate(inode.KindRegular, 0o644, 0, 0, "")
	require.NoError(t, err)
	sess, err := fio.OpenSession(a.Ino, true)
	require.NoError(t, err)
	defer sess.Close()

	const quarter = cryptocodec.ChunkSize
	_, err = fio.Write(sess, 0, bytes.Repeat([]byte{0x41}, quarter))
	require.NoError(t, err)
	_, err = fio.Write(sess, int64(quarter), bytes.Repeat([]byte{0x42}, quarter))
	require.NoError(t, err)
	_, err = fio.Write(sess, int64(2*quarter+quarter), bytes.Repeat([]byte{0x00}, 1))
	require.NoError(t, err)

	require.NoError(t, fio.Flush(sess))

	buf := make([]byte, quarter)
	_, err = fio.Read(sess, 0, buf)
	require.NoError(t, err)
	require.True(t, bytes.Equal(buf, bytes.Repeat([]byte{0x41}, quarter)))

	_, err = fio.Read(sess, int64(quarter), buf)
	require.NoError(t, err)
	require.True(t, bytes.Equal(buf, bytes.Repeat([]byte{0x42}, quarter)))
}
