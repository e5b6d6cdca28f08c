package vfs

import (
	"context"
	"fmt"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
)

type nullDriver struct{}

var null Driver = nullDriver{}

// Null returns the driver of nodes with no mounted filesystem. It only
// serves raw device nodes.
func Null() Driver { return null }

func (nullDriver) Kind() Kind { return KindNull }

func (nullDriver) Open(_ context.Context, node *Node, flags int) error {
	if flags&O_CREAT != 0 {
		return fmt.Errorf("create %s: no filesystem: %w", node.absPath, kerrors.ErrUnsupported)
	}
	return nil
}

func (nullDriver) Read(ctx context.Context, node *Node, offset int64, buf []byte) (int, error) {
	dev := node.device
	if dev == nil {
		return 0, fmt.Errorf("read %s: %w", node.absPath, kerrors.ErrUnsupported)
	}
	if offset > dev.Size() {
		return 0, fmt.Errorf("read %s: %w", node.absPath, kerrors.ErrInvalidArgument)
	}
	if rest := dev.Size() - offset; int64(len(buf)) > rest {
		buf = buf[:rest]
	}
	if err := dev.Read(ctx, offset, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (nullDriver) Write(ctx context.Context, node *Node, offset int64, buf []byte) (int, error) {
	dev := node.device
	if dev == nil {
		return 0, fmt.Errorf("write %s: %w", node.absPath, kerrors.ErrUnsupported)
	}
	if offset+int64(len(buf)) > dev.Size() {
		return 0, fmt.Errorf("write %s: %w", node.absPath, kerrors.ErrNoSpace)
	}
	if err := dev.Write(ctx, offset, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (nullDriver) Refresh(context.Context, *Tree, *Node) error { return nil }

func (nullDriver) Unlink(_ context.Context, node *Node) error {
	if node.device != nil {
		return fmt.Errorf("unlink %s: %w", node.absPath, kerrors.ErrBusy)
	}
	return nil
}

func (nullDriver) AllocBlock(context.Context) (uint32, error) { return 0, kerrors.ErrUnsupported }
func (nullDriver) AllocInode(context.Context) (uint32, error) { return 0, kerrors.ErrUnsupported }
func (nullDriver) FreeBlock(context.Context, uint32) error    { return kerrors.ErrUnsupported }
func (nullDriver) FreeInode(context.Context, uint32) error    { return kerrors.ErrUnsupported }
