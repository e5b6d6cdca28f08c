package vfs

import (
	"context"
	"sync/atomic"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
)

// IoctlHandler serves ioctl requests issued on a node.
type IoctlHandler func(ctx context.Context, request uint64, arg uint64) (int64, error)

// Node is one entry of the namespace. Children are kept in creation order
// with a name index on the side.
type Node struct {
	absPath string
	relPath string
	name    string

	fs       *Filesystem
	parent   *Node
	children map[string]*Node
	order    []*Node

	stat Stat

	device device.Device
	// source is the filesystem found on device by probing, mounted elsewhere.
	source *Filesystem
	ioctl  IoctlHandler

	refs    atomic.Int32
	reclaim func(ctx context.Context) error
	removed bool
}

func newNode(parent *Node, name string, fs *Filesystem) *Node {
	n := &Node{
		name:     name,
		parent:   parent,
		fs:       fs,
		children: make(map[string]*Node),
	}
	n.absPath = Join(parent.absPath, name)
	n.relPath = relativePath(fs, n.absPath)
	return n
}

func (n *Node) Path() string            { return n.absPath }
func (n *Node) RelPath() string         { return n.relPath }
func (n *Node) Name() string            { return n.name }
func (n *Node) Parent() *Node           { return n.parent }
func (n *Node) Filesystem() *Filesystem { return n.fs }
func (n *Node) Driver() Driver          { return n.fs.driver }
func (n *Node) Stat() Stat              { return n.stat }
func (n *Node) SetStat(s Stat)          { n.stat = s }
func (n *Node) SetSize(size int64)      { n.stat.Size = size }
func (n *Node) IsDir() bool             { return n.stat.IsDir() }
func (n *Node) Device() device.Device   { return n.device }
func (n *Node) Source() *Filesystem     { return n.source }
func (n *Node) SetIoctl(h IoctlHandler) { n.ioctl = h }
func (n *Node) Removed() bool           { return n.removed }
func (n *Node) Child(name string) *Node { return n.children[name] }
func (n *Node) Refs() int32             { return n.refs.Load() }

// Children returns the direct children in creation order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.order))
	copy(out, n.order)
	return out
}

func (n *Node) Ioctl(ctx context.Context, request, arg uint64) (int64, error) {
	if n.ioctl == nil {
		return 0, kerrors.ErrUnsupported
	}
	return n.ioctl(ctx, request, arg)
}

// Acquire records an open descriptor on the node.
func (n *Node) Acquire() {
	n.refs.Add(1)
}

// Release drops a descriptor reference. The last release of a removed node
// runs its deferred reclaim.
func (n *Node) Release(ctx context.Context) error {
	if n.refs.Add(-1) > 0 {
		return nil
	}
	if !n.removed || n.reclaim == nil {
		return nil
	}
	fn := n.reclaim
	n.reclaim = nil
	return fn(ctx)
}

// DeferReclaim registers storage cleanup to run once the last descriptor
// referencing the node is released. With no descriptors open it runs now.
func (n *Node) DeferReclaim(ctx context.Context, fn func(ctx context.Context) error) error {
	if n.refs.Load() == 0 {
		return fn(ctx)
	}
	n.reclaim = fn
	return nil
}

func (n *Node) attach(child *Node) {
	n.children[child.name] = child
	n.order = append(n.order, child)
}

func (n *Node) detach(child *Node) {
	delete(n.children, child.name)
	for i, c := range n.order {
		if c == child {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}
