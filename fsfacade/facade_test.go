package fsfacade

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stretchr/testify/require"

	"github.com/cryptofs/cryptofs/cfg"
	"github.com/cryptofs/cryptofs/clock"
	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
	"github.com/cryptofs/cryptofs/inode"
	"github.com/cryptofs/cryptofs/store"
)

func newTestFacade(t *testing.T, passphrase string) *Facade {
	t.Helper()
	c := cfg.Default()
	c.DataDir = t.TempDir()
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	provider := func() (string, error) { return passphrase, nil }
	f, err := Mount(c, clk, provider, passphrase)
	require.NoError(t, err)
	t.Cleanup(f.Unmount)
	return f
}

func TestMountInitializesThenReopens(t *testing.T) {
	dir := t.TempDir()
	c := cfg.Default()
	c.DataDir = dir
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	provider := func() (string, error) { return "hunter2", nil }

	f, err := Mount(c, clk, provider, "hunter2")
	require.NoError(t, err)
	f.Unmount()

	f2, err := Mount(c, clk, provider, "")
	require.NoError(t, err)
	defer f2.Unmount()

	root, err := f2.GetAttr(inode.RootInode)
	require.NoError(t, err)
	require.Equal(t, inode.KindDir, root.Kind)
}

func TestCreateWriteFlushReadRoundTrip(t *testing.T) {
	f := newTestFacade(t, "hunter2")

	a, h, err := f.Create(inode.RootInode, "hello.txt", 0o644, Principal{})
	require.NoError(t, err)
	require.Equal(t, inode.KindRegular, a.Kind)

	n, err := f.Write(h.ID, 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, f.Flush(h.ID))

	buf := make([]byte, 5)
	n, err = f.Read(h.ID, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, f.Release(h.ID))

	looked, err := f.Lookup(inode.RootInode, "hello.txt")
	require.NoError(t, err)
	require.EqualValues(t, 5, looked.Size)
}

func TestMkdirRmdirRejectsNonEmpty(t *testing.T) {
	f := newTestFacade(t, "hunter2")

	dirAttr, err := f.Mkdir(inode.RootInode, "sub", 0o755, Principal{})
	require.NoError(t, err)

	_, _, err = f.Create(dirAttr.Ino, "x.txt", 0o644, Principal{})
	require.NoError(t, err)

	err = f.Rmdir(inode.RootInode, "sub")
	require.Equal(t, fserrors.NotEmpty, fserrors.CodeOf(err))

	require.NoError(t, f.Unlink(dirAttr.Ino, "x.txt"))
	require.NoError(t, f.Rmdir(inode.RootInode, "sub"))
}

func TestSymlinkReadlink(t *testing.T) {
	f := newTestFacade(t, "hunter2")
	a, err := f.Symlink(inode.RootInode, "link", "/etc/passwd", Principal{})
	require.NoError(t, err)

	target, err := f.Readlink(a.Ino)
	require.NoError(t, err)
	require.Equal(t, "/etc/passwd", target)
}

func TestRenameAndReaddir(t *testing.T) {
	f := newTestFacade(t, "hunter2")
	_, _, err := f.Create(inode.RootInode, "a.txt", 0o644, Principal{})
	require.NoError(t, err)

	require.NoError(t, f.Rename(inode.RootInode, "a.txt", inode.RootInode, "b.txt"))

	ents, err := f.Readdir(context.Background(), inode.RootInode)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, "b.txt", ents[0].Name)
}

func TestTruncateViaSetAttr(t *testing.T) {
	f := newTestFacade(t, "hunter2")
	a, h, err := f.Create(inode.RootInode, "f.txt", 0o644, Principal{})
	require.NoError(t, err)
	_, err = f.Write(h.ID, 0, []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, f.Flush(h.ID))
	require.NoError(t, f.Release(h.ID))

	newSize := int64(5)
	updated, err := f.SetAttr(a.Ino, SetAttrRequest{Size: &newSize})
	require.NoError(t, err)
	require.EqualValues(t, 5, updated.Size)
}

func TestReadOnlyModeRejectsMutation(t *testing.T) {
	dir := t.TempDir()
	c := cfg.Default()
	c.DataDir = dir
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	provider := func() (string, error) { return "hunter2", nil }
	f, err := Mount(c, clk, provider, "hunter2")
	require.NoError(t, err)
	f.Unmount()

	c.ReadOnly = true
	f2, err := Mount(c, clk, provider, "")
	require.NoError(t, err)
	defer f2.Unmount()

	_, err = f2.Mkdir(inode.RootInode, "nope", 0o755, Principal{})
	require.Equal(t, fserrors.ReadOnly, fserrors.CodeOf(err))
}

func TestChangePasswordThenReopen(t *testing.T) {
	dir := t.TempDir()
	c := cfg.Default()
	c.DataDir = dir
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	provider := func() (string, error) { return "old-pass", nil }
	f, err := Mount(c, clk, provider, "old-pass")
	require.NoError(t, err)
	require.NoError(t, f.ChangePassword("old-pass", "new-pass"))
	f.Unmount()

	provider2 := func() (string, error) { return "new-pass", nil }
	f2, err := Mount(c, clk, provider2, "")
	require.NoError(t, err)
	defer f2.Unmount()
	_, err = f2.GetAttr(inode.RootInode)
	require.NoError(t, err)
}

// TestConcurrentHandlesWriteDisjointChunks exercises spec.md §8 Scenario 3:
// a 1 MiB (4-chunk) file, pre-sized before any concurrent handle opens so
// every writer's gap-fill floor is already the full size; four independent
// handles then write to non-overlapping chunks concurrently, flush, and
// neither writer's bytes bleed into another's region. errgroup fans the
// handle goroutines out and collects the first error, if any.
func TestConcurrentHandlesWriteDisjointChunks(t *testing.T) {
	f := newTestFacade(t, "hunter2")
	a, h0, err := f.Create(inode.RootInode, "big.bin", 0o644, Principal{})
	require.NoError(t, err)

	const chunk = cryptocodec.ChunkSize
	size := int64(4 * chunk)
	_, err = f.SetAttr(a.Ino, SetAttrRequest{Size: &size})
	require.NoError(t, err)
	require.NoError(t, f.Release(h0.ID))

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		i := i
		g.Go(func() error {
			h, err := f.Open(a.Ino, Principal{}, true, true, false)
			if err != nil {
				return err
			}
			defer f.Release(h.ID)
			payload := bytes.Repeat([]byte{byte('A' + i)}, chunk)
			if _, err := f.Write(h.ID, int64(i*chunk), payload); err != nil {
				return err
			}
			return f.Flush(h.ID)
		})
	}
	require.NoError(t, g.Wait())

	h, err := f.Open(a.Ino, Principal{}, true, false, false)
	require.NoError(t, err)
	defer f.Release(h.ID)

	for i := 0; i < 4; i++ {
		buf := make([]byte, chunk)
		n, err := f.Read(h.ID, int64(i*chunk), buf)
		require.NoError(t, err)
		require.Equal(t, chunk, n)
		want := bytes.Repeat([]byte{byte('A' + i)}, chunk)
		require.Truef(t, bytes.Equal(buf, want), "chunk %d contaminated", i)
	}
}

// TestRandomizedDisjointWriteReadWorkload runs several concurrent
// handles performing randomized-but-disjoint writes (each at offsets drawn
// from a fixed-seed RNG, confined to its own chunk range of an
// already-sized file) and checks every byte lands where expected, the
// randomized-workload counterpart to gcsfuse's own stress tests.
func TestRandomizedDisjointWriteReadWorkload(t *testing.T) {
	f := newTestFacade(t, "hunter2")
	a, h0, err := f.Create(inode.RootInode, "work.bin", 0o644, Principal{})
	require.NoError(t, err)

	const workers = 8
	const chunk = cryptocodec.ChunkSize
	size := int64(workers * chunk)
	_, err = f.SetAttr(a.Ino, SetAttrRequest{Size: &size})
	require.NoError(t, err)
	require.NoError(t, f.Release(h0.ID))

	rng := rand.New(rand.NewSource(1))
	offsets := make([][]int64, workers)
	for w := range offsets {
		for round := 0; round < 3; round++ {
			offsets[w] = append(offsets[w], int64(w*chunk)+rng.Int63n(int64(chunk-4096)))
		}
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			h, err := f.Open(a.Ino, Principal{}, true, true, false)
			if err != nil {
				return err
			}
			defer f.Release(h.ID)
			marker := byte(w)
			for round := 0; round < 3; round++ {
				off := offsets[w][round]
				data := bytes.Repeat([]byte{marker}, 4096)
				if _, err := f.Write(h.ID, off, data); err != nil {
					return fmt.Errorf("worker %d round %d: %w", w, round, err)
				}
			}
			return f.Flush(h.ID)
		})
	}
	require.NoError(t, g.Wait())

	h, err := f.Open(a.Ino, Principal{}, true, false, false)
	require.NoError(t, err)
	defer f.Release(h.ID)
	for w := 0; w < workers; w++ {
		for _, off := range offsets[w] {
			buf := make([]byte, 4096)
			n, err := f.Read(h.ID, off, buf)
			require.NoError(t, err)
			require.Equal(t, len(buf), n)
			require.True(t, bytes.Equal(buf, bytes.Repeat([]byte{byte(w)}, len(buf))))
		}
	}
}

// flipLastByte corrupts path in place by XOR-ing its final byte, standing
// in for a single disk bit-flip.
func flipLastByte(t *testing.T, path string) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, b)
	b[len(b)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

// TestTamperedChunkIsRejectedAsCorrupt exercises spec.md §8 scenario 6 and
// the "tamper detection" invariant: flipping a bit in a sealed content
// chunk must surface as Corrupt on the next read crossing it, and must not
// affect any other inode.
func TestTamperedChunkIsRejectedAsCorrupt(t *testing.T) {
	dir := t.TempDir()
	c := cfg.Default()
	c.DataDir = dir
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	provider := func() (string, error) { return "hunter2", nil }
	f, err := Mount(c, clk, provider, "hunter2")
	require.NoError(t, err)
	t.Cleanup(f.Unmount)

	a, h, err := f.Create(inode.RootInode, "victim.txt", 0o644, Principal{})
	require.NoError(t, err)
	_, err = f.Write(h.ID, 0, []byte("the quick brown fox"))
	require.NoError(t, err)
	require.NoError(t, f.Flush(h.ID))
	require.NoError(t, f.Release(h.ID))

	other, h2, err := f.Create(inode.RootInode, "bystander.txt", 0o644, Principal{})
	require.NoError(t, err)
	_, err = f.Write(h2.ID, 0, []byte("unaffected"))
	require.NoError(t, err)
	require.NoError(t, f.Flush(h2.ID))
	require.NoError(t, f.Release(h2.ID))

	st := store.Open(dir)
	flipLastByte(t, st.ContentsPath(a.Ino))

	h3, err := f.Open(a.Ino, Principal{}, true, false, false)
	require.NoError(t, err)
	buf := make([]byte, 20)
	_, err = f.Read(h3.ID, 0, buf)
	require.Equal(t, fserrors.Corrupt, fserrors.CodeOf(err))
	require.NoError(t, f.Release(h3.ID))

	h4, err := f.Open(other.Ino, Principal{}, true, false, false)
	require.NoError(t, err)
	buf2 := make([]byte, 10)
	n, err := f.Read(h4.ID, 0, buf2)
	require.NoError(t, err)
	require.Equal(t, "unaffected", string(buf2[:n]))
	require.NoError(t, f.Release(h4.ID))
}

// TestTamperedInodeAttrsIsRejectedAsCorrupt covers the metadata half of the
// same invariant: a flipped byte in an inode's sealed attribute record
// must surface as Corrupt on the next access to that inode.
func TestTamperedInodeAttrsIsRejectedAsCorrupt(t *testing.T) {
	dir := t.TempDir()
	c := cfg.Default()
	c.DataDir = dir
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	provider := func() (string, error) { return "hunter2", nil }
	f, err := Mount(c, clk, provider, "hunter2")
	require.NoError(t, err)

	a, err := f.Mkdir(inode.RootInode, "d", 0o755, Principal{})
	require.NoError(t, err)
	f.Unmount()

	st := store.Open(dir)
	flipLastByte(t, st.InodePath(a.Ino))

	f2, err := Mount(c, clk, provider, "")
	require.NoError(t, err)
	t.Cleanup(f2.Unmount)

	_, err = f2.GetAttr(a.Ino)
	require.Equal(t, fserrors.Corrupt, fserrors.CodeOf(err))
}

func TestStatfsCountsInodes(t *testing.T) {
	f := newTestFacade(t, "hunter2")
	_, _, err := f.Create(inode.RootInode, "a.txt", 0o644, Principal{})
	require.NoError(t, err)

	res, err := f.Statfs()
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Inodes, uint64(2)) // root + a.txt
}
