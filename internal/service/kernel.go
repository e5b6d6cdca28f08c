// Package service implements the kernel's syscall surface on top of the
// namespace tree, the descriptor tables and the address spaces of running
// processes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/ext2"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/models"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

// Block device ioctl requests, Linux values.
const (
	BLKFLSBUF    = 0x1261
	BLKSSZGET    = 0x1268
	BLKGETSIZE64 = 0x80081272
)

// KernelService is the syscall surface. Every call made on behalf of a
// process returns its result or a *ServiceError carrying the errno, which is
// also recorded on the process.
type KernelService interface {
	AttachDevice(ctx context.Context, name string, dev device.Device) (vfs.Kind, error)
	Mount(ctx context.Context, source, target string) error

	Spawn(ctx context.Context, pid int64) error
	Exit(ctx context.Context, pid int64) error
	Errno(ctx context.Context, pid int64) (int64, error)

	Open(ctx context.Context, pid int64, path string, flags int) (int64, error)
	Close(ctx context.Context, pid int64, fd int) (int64, error)
	Read(ctx context.Context, pid int64, fd int, buf []byte) (int64, error)
	Write(ctx context.Context, pid int64, fd int, data []byte) (int64, error)
	Seek(ctx context.Context, pid int64, fd int, offset int64, whence int) (int64, error)
	Dup(ctx context.Context, pid int64, fd int) (int64, error)
	Dup2(ctx context.Context, pid int64, oldfd, newfd int) (int64, error)
	Ioctl(ctx context.Context, pid int64, fd int, request, arg uint64) (int64, error)
	Mmap(ctx context.Context, pid int64, addr, length uint64, prot, flags, fd int, offset int64) (int64, error)
	Munmap(ctx context.Context, pid int64, addr, length uint64) (int64, error)
	Exec(ctx context.Context, pid int64, path string) (*models.ExecImage, error)

	Mkdir(ctx context.Context, path string) (*models.NodeMeta, error)
	Unlink(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (*models.NodeMeta, error)
	ReadDir(ctx context.Context, path string) ([]models.Dirent, error)
}

// kernelService serializes all namespace and driver work behind mu. Neither
// the tree nor the drivers lock on their own.
type kernelService struct {
	mu    sync.Mutex
	tree  *vfs.Tree
	procs map[int64]*Process
}

func NewKernelService(tree *vfs.Tree) KernelService {
	return &kernelService{
		tree:  tree,
		procs: make(map[int64]*Process),
	}
}

// fail records err on p, when there is one, and converts it for the caller.
func (s *kernelService) fail(ctx context.Context, p *Process, op string, err error) error {
	serr := newServiceError(op, err)
	if p != nil {
		p.errno.Store(serr.Code)
	}

	logging.GetLoggerFromContextWithOp(ctx, op).Debug("Syscall failed",
		slogext.Err(err),
		slog.Int64("errno", serr.Code),
	)
	return serr
}

// AttachDevice publishes dev under /dev and probes it. A device without an
// ext2 signature is attached with nothing mountable on it.
func (s *kernelService) AttachDevice(ctx context.Context, name string, dev device.Device) (vfs.Kind, error) {
	const op = "service.kernelService.AttachDevice"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("device", name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.tree.Resolve(vfs.Join(vfs.DevDir, name)); err == nil {
		return vfs.KindNull, s.fail(ctx, nil, op, fmt.Errorf("%s: %w", name, kerrors.ErrExists))
	}

	var fs *vfs.Filesystem
	probed, err := ext2.Probe(ctx, dev)
	switch {
	case err == nil:
		fs = vfs.NewFilesystem(probed)
	case errors.Is(err, kerrors.ErrUnrecognizedFS):
		logger.Warn("No filesystem recognised on device", slogext.Err(err))
		fs = vfs.NewFilesystem(nil)
	default:
		logger.Error("Failed to probe device", slogext.Err(err))
		return vfs.KindNull, s.fail(ctx, nil, op, err)
	}

	node := s.tree.AttachDevice(name, dev, fs)
	node.SetIoctl(blockIoctl(dev))

	logger.Info("Device attached", slog.String("fs", fs.Kind().String()))
	return fs.Kind(), nil
}

func blockIoctl(dev device.Device) vfs.IoctlHandler {
	return func(ctx context.Context, request, _ uint64) (int64, error) {
		switch request {
		case BLKGETSIZE64:
			return dev.Size(), nil
		case BLKSSZGET:
			return int64(dev.SectorSize()), nil
		case BLKFLSBUF:
			if syncer, ok := dev.(device.Syncer); ok {
				return 0, syncer.Sync(ctx)
			}
			return 0, nil
		default:
			return 0, fmt.Errorf("ioctl %#x: %w", request, kerrors.ErrUnsupported)
		}
	}
}

// Mount binds the filesystem on device source onto the existing node target.
func (s *kernelService) Mount(ctx context.Context, source, target string) error {
	const op = "service.kernelService.Mount"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tree.Mount(ctx, source, target); err != nil {
		return s.fail(ctx, nil, op, err)
	}
	return nil
}
