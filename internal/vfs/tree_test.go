package vfs

import (
	"context"
	"errors"
	"testing"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDriver populates a fixed listing on refresh.
type stubDriver struct {
	nullDriver
	listing    []string
	refreshErr error
}

func (d *stubDriver) Kind() Kind { return KindExt2 }

func (d *stubDriver) Refresh(_ context.Context, tree *Tree, node *Node) error {
	for _, p := range d.listing {
		tree.Ensure(node.Path() + p)
	}
	return d.refreshErr
}

func TestTree_EnsureThenResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	tree := NewTree()

	paths := []string{"/a", "/a/b/c", "/x/y/", "//a///b", "/"}
	for _, p := range paths {
		created := tree.Ensure(p)
		resolved, err := tree.Resolve(p)
		require.NoError(t, err, p)
		assert.Same(t, created, resolved, p)
		assert.Same(t, created, tree.Ensure(p), p)
	}

	b, err := tree.Resolve("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", b.Path())
	assert.True(t, b.IsDir(), "intermediate components are directories")

	c, _ := tree.Resolve("/a/b/c")
	assert.False(t, c.IsDir())
	assert.Same(t, b, c.Parent())

	y, _ := tree.Resolve("/x/y")
	assert.True(t, y.IsDir(), "trailing slash marks a directory")
}

func TestTree_ResolveNeverCreates(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	tree.Ensure("/a")

	_, err := tree.Resolve("/a/missing")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)

	a, _ := tree.Resolve("/a")
	assert.Empty(t, a.Children())
}

func TestTree_ChildrenKeepCreationOrder(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		tree.Ensure("/d/" + n)
	}

	d, _ := tree.Resolve("/d")
	var names []string
	for _, c := range d.Children() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestTree_RemoveDetachesSubtree(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	leaf := tree.Ensure("/a/b/c")
	sibling := tree.Ensure("/a/d")

	require.NoError(t, tree.Remove("/a/b"))

	_, err := tree.Resolve("/a/b")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
	_, err = tree.Resolve("/a/b/c")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
	assert.True(t, leaf.Removed())

	got, err := tree.Resolve("/a/d")
	require.NoError(t, err)
	assert.Same(t, sibling, got)

	assert.ErrorIs(t, tree.Remove("/a/b"), kerrors.ErrNotFound)
	assert.ErrorIs(t, tree.Remove("/"), kerrors.ErrBusy)
}

func TestNode_DeferredReclaimRunsOnLastRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := NewTree()
	node := tree.Ensure("/f")

	node.Acquire()
	node.Acquire()

	calls := 0
	require.NoError(t, tree.Remove("/f"))
	require.NoError(t, node.DeferReclaim(ctx, func(context.Context) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)

	require.NoError(t, node.Release(ctx))
	assert.Zero(t, calls)
	require.NoError(t, node.Release(ctx))
	assert.Equal(t, 1, calls)
}

func TestTree_Mount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := NewTree()
	dev := device.NewMemory("sda", 4096, 512)

	driver := &stubDriver{listing: []string{"/etc/", "/etc/motd", "/bin"}}
	tree.AttachDevice("sda", dev, NewFilesystem(driver))

	mnt := tree.Ensure("/mnt/")
	require.NoError(t, tree.Mount(ctx, "/dev/sda", "/mnt"))

	assert.Equal(t, KindExt2, mnt.Filesystem().Kind())
	assert.Equal(t, "/mnt", mnt.Filesystem().MountGate())
	assert.True(t, mnt.Filesystem().Mounted())
	assert.Equal(t, "/", mnt.RelPath())

	motd, err := tree.Resolve("/mnt/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "/etc/motd", motd.RelPath())
	assert.Same(t, mnt.Filesystem(), motd.Filesystem())

	err = tree.Mount(ctx, "/dev/sda", "/mnt")
	assert.ErrorIs(t, err, kerrors.ErrBusy)
}

func TestTree_MountRejectsBadSources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := NewTree()
	tree.Ensure("/plain")
	tree.AttachDevice("raw", device.NewMemory("raw", 4096, 512), nil)
	tree.AttachDevice("sda", device.NewMemory("sda", 4096, 512), NewFilesystem(&stubDriver{}))

	assert.ErrorIs(t, tree.Mount(ctx, "/dev/none", "/"), kerrors.ErrNotFound)
	assert.ErrorIs(t, tree.Mount(ctx, "/plain", "/"), kerrors.ErrNoDevice)
	assert.ErrorIs(t, tree.Mount(ctx, "/dev/raw", "/"), kerrors.ErrUnrecognizedFS)
	assert.ErrorIs(t, tree.Mount(ctx, "/dev/sda", "/nowhere"), kerrors.ErrNotFound)
}

func TestTree_MountRollsBackOnRefreshFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := NewTree()
	boom := errors.New("boom")
	driver := &stubDriver{listing: []string{"/half"}, refreshErr: boom}
	tree.AttachDevice("sda", device.NewMemory("sda", 4096, 512), NewFilesystem(driver))

	keep := tree.Ensure("/mnt/keep")
	mnt, _ := tree.Resolve("/mnt")

	err := tree.Mount(ctx, "/dev/sda", "/mnt")
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, KindNull, mnt.Filesystem().Kind())
	_, err = tree.Resolve("/mnt/half")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
	got, err := tree.Resolve("/mnt/keep")
	require.NoError(t, err)
	assert.Same(t, keep, got)
}

func TestNullDriver_RawDeviceIO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tree := NewTree()
	node := tree.AttachDevice("ram0", device.NewMemory("ram0", 1024, 512), nil)

	n, err := node.Driver().Write(ctx, node, 1020, []byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = node.Driver().Read(ctx, node, 1020, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	_, err = node.Driver().Write(ctx, node, 1022, []byte("abcd"))
	assert.ErrorIs(t, err, kerrors.ErrNoSpace)

	plain := tree.Ensure("/plain")
	_, err = plain.Driver().Read(ctx, plain, 0, buf)
	assert.ErrorIs(t, err, kerrors.ErrUnsupported)
	assert.ErrorIs(t, plain.Driver().Open(ctx, plain, O_CREAT), kerrors.ErrUnsupported)
}

func TestTree_CreateReportsTopMostNewNode(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	tree.Ensure("/a")

	node, top := tree.Create("/a/b/c/d")
	require.NotNil(t, top)
	assert.Equal(t, "/a/b", top.Path())
	assert.Equal(t, "/a/b/c/d", node.Path())

	require.NoError(t, tree.Remove(top.Path()))
	_, err := tree.Resolve("/a/b")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)

	again, top := tree.Create("/a")
	assert.Nil(t, top)
	assert.Equal(t, "/a", again.Path())
}
