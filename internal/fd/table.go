// Package fd implements the per-process descriptor table.
package fd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

const (
	// MaxDescriptors caps the descriptors one table holds, like RLIMIT_NOFILE.
	MaxDescriptors = 1024

	// slotsPerGrow is how many descriptors the table gains when full.
	slotsPerGrow = 64
)

// Table maps small integers to open files. Slot claims are lock-free
// compare-and-swap operations on the bitmap words; only growth takes the
// write lock.
type Table struct {
	mu    sync.RWMutex
	words []atomic.Uint64
	slots []atomic.Pointer[File]
}

func NewTable() *Table {
	t := &Table{}
	t.growLocked(slotsPerGrow)
	return t
}

func (t *Table) growLocked(capacity int) {
	if capacity <= len(t.slots) {
		return
	}
	capacity = (capacity + slotsPerGrow - 1) / slotsPerGrow * slotsPerGrow

	words := make([]atomic.Uint64, capacity/64)
	for i := range t.words {
		words[i].Store(t.words[i].Load())
	}
	slots := make([]atomic.Pointer[File], capacity)
	for i := range t.slots {
		slots[i].Store(t.slots[i].Load())
	}

	t.words, t.slots = words, slots
}

// claim binds f to the lowest free descriptor.
func (t *Table) claim(f *File) (int, error) {
	for {
		t.mu.RLock()
		for w := range t.words {
			for {
				word := t.words[w].Load()
				if word == ^uint64(0) {
					break
				}
				bit := bits.TrailingZeros64(^word)
				if t.words[w].CompareAndSwap(word, word|1<<bit) {
					fd := w*64 + bit
					t.slots[fd].Store(f)
					t.mu.RUnlock()
					return fd, nil
				}
			}
		}
		size := len(t.slots)
		t.mu.RUnlock()

		if size >= MaxDescriptors {
			return -1, fmt.Errorf("%d descriptors open: %w", size, kerrors.ErrTooManyFiles)
		}

		t.mu.Lock()
		if len(t.slots) == size {
			t.growLocked(size + slotsPerGrow)
		}
		t.mu.Unlock()
	}
}

// Get returns the open file behind fd.
func (t *Table) Get(fd int) (*File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fd < 0 || fd >= len(t.slots) {
		return nil, fmt.Errorf("descriptor %d: %w", fd, kerrors.ErrBadDescriptor)
	}
	f := t.slots[fd].Load()
	if f == nil {
		return nil, fmt.Errorf("descriptor %d: %w", fd, kerrors.ErrBadDescriptor)
	}
	return f, nil
}

// take unbinds fd and clears its bit, returning what it held.
func (t *Table) take(fd int) (*File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fd < 0 || fd >= len(t.slots) {
		return nil, fmt.Errorf("descriptor %d: %w", fd, kerrors.ErrBadDescriptor)
	}
	f := t.slots[fd].Swap(nil)
	if f == nil {
		return nil, fmt.Errorf("descriptor %d: %w", fd, kerrors.ErrBadDescriptor)
	}
	t.words[fd/64].And(^(uint64(1) << (fd % 64)))
	return f, nil
}

// Open resolves path and binds it to a new descriptor. With O_CREAT a
// missing path is created in the namespace and materialised by its driver;
// if the driver fails, the namespace entries just created are removed.
func (t *Table) Open(ctx context.Context, tree *vfs.Tree, path string, flags int) (int, error) {
	const op = "fd.Table.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("path", path))

	node, err := tree.Resolve(path)
	switch {
	case err == nil:
		if err := node.Driver().Open(ctx, node, flags&^vfs.O_CREAT); err != nil {
			return -1, fmt.Errorf("%s: %w", op, err)
		}

	case errors.Is(err, kerrors.ErrNotFound) && flags&vfs.O_CREAT != 0:
		var top *vfs.Node
		node, top = tree.Create(path)
		if err := node.Driver().Open(ctx, node, flags); err != nil {
			if top != nil {
				if rmErr := tree.Remove(top.Path()); rmErr != nil {
					logger.Error("Failed to roll back namespace entry", slogext.Err(rmErr))
				}
			}
			logger.Debug("Create rejected by driver", slogext.Err(err))
			return -1, fmt.Errorf("%s: %w", op, err)
		}

	default:
		return -1, fmt.Errorf("%s: %w", op, err)
	}

	f := newFile(node, flags&^vfs.O_CREAT)
	fd, err := t.claim(f)
	if err != nil {
		if relErr := f.unref(ctx); relErr != nil {
			logger.Error("Failed to release file", slogext.Err(relErr))
		}
		return -1, fmt.Errorf("%s: %w", op, err)
	}
	logger.Debug("Opened", slog.Int("fd", fd), slog.String("fs", node.Filesystem().Kind().String()))
	return fd, nil
}

func (t *Table) Read(ctx context.Context, fd int, buf []byte) (int, error) {
	f, err := t.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.Read(ctx, buf)
}

func (t *Table) Write(ctx context.Context, fd int, buf []byte) (int, error) {
	f, err := t.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(ctx, buf)
}

func (t *Table) Seek(fd int, off int64, whence int) (int64, error) {
	f, err := t.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.Seek(off, whence)
}

func (t *Table) Ioctl(ctx context.Context, fd int, request, arg uint64) (int64, error) {
	f, err := t.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.node.Ioctl(ctx, request, arg)
}

// Dup binds the lowest free descriptor to the file behind fd.
func (t *Table) Dup(ctx context.Context, fd int) (int, error) {
	f, err := t.Get(fd)
	if err != nil {
		return -1, err
	}
	f.ref()
	newfd, err := t.claim(f)
	if err != nil {
		if relErr := f.unref(ctx); relErr != nil {
			return -1, errors.Join(err, relErr)
		}
		return -1, err
	}
	return newfd, nil
}

// Dup2 binds newfd to the file behind oldfd, closing whatever newfd held.
// Dup2 of a descriptor onto itself changes nothing.
func (t *Table) Dup2(ctx context.Context, oldfd, newfd int) (int, error) {
	f, err := t.Get(oldfd)
	if err != nil {
		return -1, err
	}
	if newfd < 0 || newfd >= MaxDescriptors {
		return -1, fmt.Errorf("descriptor %d: %w", newfd, kerrors.ErrBadDescriptor)
	}
	if oldfd == newfd {
		return newfd, nil
	}

	f.ref()
	prev := t.bind(newfd, f)
	if prev != nil {
		if err := prev.unref(ctx); err != nil {
			return newfd, err
		}
	}
	return newfd, nil
}

// bind puts f at fd, growing the table as needed, and returns the previous
// occupant.
func (t *Table) bind(fd int, f *File) *File {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.growLocked(fd + 1)
	prev := t.slots[fd].Swap(f)
	t.words[fd/64].Or(uint64(1) << (fd % 64))
	return prev
}

func (t *Table) Close(ctx context.Context, fd int) error {
	f, err := t.take(fd)
	if err != nil {
		return err
	}
	return f.unref(ctx)
}

// CloseAll closes every open descriptor, as on process exit.
func (t *Table) CloseAll(ctx context.Context) error {
	t.mu.RLock()
	n := len(t.slots)
	t.mu.RUnlock()

	var errs []error
	for fd := 0; fd < n; fd++ {
		f, err := t.take(fd)
		if err != nil {
			continue
		}
		if err := f.unref(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Descriptors returns the descriptors currently bound, ascending.
func (t *Table) Descriptors() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	for w := range t.words {
		word := t.words[w].Load()
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			out = append(out, w*64+bit)
			word &^= 1 << bit
		}
	}
	return out
}
