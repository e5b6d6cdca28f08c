package fd

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/ext2"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mountedTree formats a small ext2 volume and mounts it at /.
func mountedTree(t *testing.T) *vfs.Tree {
	t.Helper()

	ctx := context.Background()
	dev := device.NewMemory("sda", 512*1024, 512)
	fs, err := ext2.Format(ctx, dev, ext2.Params{
		BlockCount:     512,
		BlocksPerGroup: 256,
		InodesPerGroup: 32,
	})
	require.NoError(t, err)

	tree := vfs.NewTree()
	tree.AttachDevice(dev.Name(), dev, vfs.NewFilesystem(fs))
	require.NoError(t, tree.Mount(ctx, "/dev/sda", "/"))
	return tree
}

func TestTable_WriteSeekRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	fd, err := table.Open(ctx, tree, "/hello.txt", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)
	assert.Equal(t, 0, fd)

	n, err := table.Write(ctx, fd, []byte("hello, disk"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	pos, err := table.Seek(fd, 0, SEEK_SET)
	require.NoError(t, err)
	assert.Zero(t, pos)

	buf := make([]byte, 64)
	n, err = table.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello, disk", string(buf[:n]))

	// At end of file a read transfers nothing.
	n, err = table.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	end, err := table.Seek(fd, -4, SEEK_END)
	require.NoError(t, err)
	assert.Equal(t, int64(7), end)

	// So does a read after seeking past it.
	past, err := table.Seek(fd, 100, SEEK_END)
	require.NoError(t, err)
	assert.Equal(t, int64(111), past)
	n, err = table.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTable_SeekRejectsBadArguments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	fd, err := table.Open(ctx, tree, "/f", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)

	_, err = table.Seek(fd, -1, SEEK_SET)
	assert.ErrorIs(t, err, kerrors.ErrInvalidArgument)

	_, err = table.Seek(fd, 0, 7)
	assert.ErrorIs(t, err, kerrors.ErrInvalidArgument)

	// A failed seek leaves the cursor alone.
	pos, err := table.Seek(fd, 0, SEEK_CUR)
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestTable_AccessModeIsEnforced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	ro, err := table.Open(ctx, tree, "/f", vfs.O_RDONLY|vfs.O_CREAT)
	require.NoError(t, err)
	_, err = table.Write(ctx, ro, []byte("x"))
	assert.ErrorIs(t, err, kerrors.ErrBadDescriptor)

	wo, err := table.Open(ctx, tree, "/f", vfs.O_WRONLY)
	require.NoError(t, err)
	_, err = table.Read(ctx, wo, make([]byte, 1))
	assert.ErrorIs(t, err, kerrors.ErrBadDescriptor)
}

func TestTable_DupSharesCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	fd, err := table.Open(ctx, tree, "/f", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)

	dup, err := table.Dup(ctx, fd)
	require.NoError(t, err)
	assert.Equal(t, 1, dup)

	_, err = table.Write(ctx, fd, []byte("abc"))
	require.NoError(t, err)

	pos, err := table.Seek(dup, 0, SEEK_CUR)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	// Closing one descriptor keeps the description alive for the other.
	require.NoError(t, table.Close(ctx, fd))
	_, err = table.Write(ctx, dup, []byte("d"))
	require.NoError(t, err)

	node, err := tree.Resolve("/f")
	require.NoError(t, err)
	assert.Equal(t, int32(1), node.Refs())
	require.NoError(t, table.Close(ctx, dup))
	assert.Zero(t, node.Refs())
}

func TestTable_Dup2(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	a, err := table.Open(ctx, tree, "/a", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)
	b, err := table.Open(ctx, tree, "/b", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)

	t.Run("onto itself", func(t *testing.T) {
		got, err := table.Dup2(ctx, a, a)
		require.NoError(t, err)
		assert.Equal(t, a, got)

		f, err := table.Get(a)
		require.NoError(t, err)
		assert.Equal(t, "/a", f.Node().Path())
	})

	t.Run("onto an open descriptor", func(t *testing.T) {
		nodeB, err := tree.Resolve("/b")
		require.NoError(t, err)
		require.Equal(t, int32(1), nodeB.Refs())

		got, err := table.Dup2(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, b, got)

		f, err := table.Get(b)
		require.NoError(t, err)
		assert.Equal(t, "/a", f.Node().Path())
		assert.Zero(t, nodeB.Refs())
	})

	t.Run("beyond the table", func(t *testing.T) {
		got, err := table.Dup2(ctx, a, 200)
		require.NoError(t, err)
		assert.Equal(t, 200, got)
		assert.Contains(t, table.Descriptors(), 200)
	})

	t.Run("closed source", func(t *testing.T) {
		_, err := table.Dup2(ctx, 150, 3)
		assert.ErrorIs(t, err, kerrors.ErrBadDescriptor)
	})

	t.Run("past the descriptor limit", func(t *testing.T) {
		nodeA, err := tree.Resolve("/a")
		require.NoError(t, err)
		refs := nodeA.Refs()

		for _, newfd := range []int{MaxDescriptors, 1 << 40, math.MaxInt, -1} {
			_, err := table.Dup2(ctx, a, newfd)
			assert.ErrorIs(t, err, kerrors.ErrBadDescriptor, "newfd %d", newfd)
		}
		assert.Equal(t, refs, nodeA.Refs())

		// The table is still usable afterwards.
		got, err := table.Dup2(ctx, a, MaxDescriptors-1)
		require.NoError(t, err)
		assert.Equal(t, MaxDescriptors-1, got)
	})
}

func TestTable_ClaimStopsAtDescriptorLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	fd, err := table.Open(ctx, tree, "/f", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)
	for range MaxDescriptors - 1 {
		_, err := table.Dup(ctx, fd)
		require.NoError(t, err)
	}

	_, err = table.Dup(ctx, fd)
	assert.ErrorIs(t, err, kerrors.ErrTooManyFiles)
	_, err = table.Open(ctx, tree, "/f", vfs.O_RDONLY)
	assert.ErrorIs(t, err, kerrors.ErrTooManyFiles)

	node, err := tree.Resolve("/f")
	require.NoError(t, err)
	assert.Equal(t, int32(1), node.Refs())
	assert.Len(t, table.Descriptors(), MaxDescriptors)
}

func TestTable_ConcurrentClaimsAreUnique(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	fd, err := table.Open(ctx, tree, "/f", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)

	const workers, perWorker = 8, 40

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[int]struct{}{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				d, err := table.Dup(ctx, fd)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				got[d] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, got, workers*perWorker)
	assert.NotContains(t, got, fd)
	assert.Len(t, table.Descriptors(), workers*perWorker+1)
}

func TestTable_LowestFreeDescriptorIsReused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	for i := range 3 {
		fd, err := table.Open(ctx, tree, "/f", vfs.O_RDWR|vfs.O_CREAT)
		require.NoError(t, err)
		require.Equal(t, i, fd)
	}

	require.NoError(t, table.Close(ctx, 1))
	fd, err := table.Dup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, fd)
}

func TestTable_FailedCreateLeavesNoNamespaceEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := vfs.NewTree()
	table := NewTable()

	// The root is not backed by a filesystem that can create files.
	_, err := table.Open(ctx, tree, "/a/b/c", vfs.O_RDWR|vfs.O_CREAT)
	assert.ErrorIs(t, err, kerrors.ErrUnsupported)

	_, err = tree.Resolve("/a")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
	assert.Empty(t, table.Descriptors())
}

func TestTable_MissingPathWithoutCreate(t *testing.T) {
	t.Parallel()

	tree := mountedTree(t)
	table := NewTable()

	_, err := table.Open(context.Background(), tree, "/nope", vfs.O_RDONLY)
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestTable_BadDescriptor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := NewTable()

	for _, fd := range []int{-1, 0, 63, 64, 1 << 20} {
		_, err := table.Read(ctx, fd, make([]byte, 1))
		assert.ErrorIs(t, err, kerrors.ErrBadDescriptor, fd)
		assert.ErrorIs(t, table.Close(ctx, fd), kerrors.ErrBadDescriptor, fd)
	}
}

func TestTable_CloseRunsDeferredReclaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := mountedTree(t)
	table := NewTable()

	fd, err := table.Open(ctx, tree, "/doomed", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)
	_, err = table.Write(ctx, fd, []byte("still here"))
	require.NoError(t, err)

	node, err := tree.Resolve("/doomed")
	require.NoError(t, err)
	require.NoError(t, node.Driver().Unlink(ctx, node))
	require.NoError(t, tree.Remove("/doomed"))

	// The open descriptor still reads the unlinked file.
	_, err = table.Seek(fd, 0, SEEK_SET)
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := table.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))

	require.NoError(t, table.CloseAll(ctx))
	assert.Empty(t, table.Descriptors())
	assert.Zero(t, node.Refs())
}
