package fd

import (
	"context"
	"fmt"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
)

const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// File is an open file description. Descriptors produced by dup share one
// File and therefore its cursor and flags.
type File struct {
	node  *vfs.Node
	flags int

	mu     sync.Mutex
	cursor int64
	count  int // descriptors referring to this description
}

func newFile(node *vfs.Node, flags int) *File {
	node.Acquire()
	return &File{node: node, flags: flags, count: 1}
}

func (f *File) Node() *vfs.Node { return f.node }
func (f *File) Flags() int      { return f.flags }

func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

func (f *File) readable() bool { return f.flags&vfs.O_ACCMODE != vfs.O_WRONLY }
func (f *File) writable() bool { return f.flags&vfs.O_ACCMODE != vfs.O_RDONLY }

// Read transfers from the cursor and advances it only on success.
func (f *File) Read(ctx context.Context, buf []byte) (int, error) {
	if !f.readable() {
		return 0, fmt.Errorf("read: opened write-only: %w", kerrors.ErrBadDescriptor)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.node.Driver().Read(ctx, f.node, f.cursor, buf)
	if err != nil {
		return 0, err
	}
	f.cursor += int64(n)
	return n, nil
}

func (f *File) Write(ctx context.Context, buf []byte) (int, error) {
	if !f.writable() {
		return 0, fmt.Errorf("write: opened read-only: %w", kerrors.ErrBadDescriptor)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.node.Driver().Write(ctx, f.node, f.cursor, buf)
	if err != nil {
		return 0, err
	}
	f.cursor += int64(n)
	return n, nil
}

// ReadAt reads at off without touching the cursor.
func (f *File) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if !f.readable() {
		return 0, fmt.Errorf("read: opened write-only: %w", kerrors.ErrBadDescriptor)
	}
	return f.node.Driver().Read(ctx, f.node, off, buf)
}

func (f *File) Seek(off int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pos int64
	switch whence {
	case SEEK_SET:
		pos = off
	case SEEK_CUR:
		pos = f.cursor + off
	case SEEK_END:
		pos = f.node.Stat().Size + off
	default:
		return 0, fmt.Errorf("seek: whence %d: %w", whence, kerrors.ErrInvalidArgument)
	}

	if pos < 0 {
		return 0, fmt.Errorf("seek: negative position %d: %w", pos, kerrors.ErrInvalidArgument)
	}

	f.cursor = pos
	return pos, nil
}

func (f *File) ref() {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
}

// unref drops one descriptor; the last one releases the node.
func (f *File) unref(ctx context.Context) error {
	f.mu.Lock()
	f.count--
	last := f.count == 0
	f.mu.Unlock()

	if !last {
		return nil
	}
	return f.node.Release(ctx)
}
