package service

import (
	"context"
	"log/slog"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/elf"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/mm"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/models"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

// enter takes the kernel lock and looks up the calling process. On success
// the caller must invoke the returned unlock.
func (s *kernelService) enter(ctx context.Context, op string, pid int64) (*Process, context.Context, func(), error) {
	s.mu.Lock()
	p, err := s.process(pid)
	if err != nil {
		s.mu.Unlock()
		return nil, ctx, nil, s.fail(ctx, nil, op, err)
	}
	return p, logging.MakeContextWithPID(ctx, pid), s.mu.Unlock, nil
}

func (s *kernelService) Open(ctx context.Context, pid int64, path string, flags int) (int64, error) {
	const op = "service.kernelService.Open"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	fd, err := p.files.Open(ctx, s.tree, path, flags)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return int64(fd), nil
}

func (s *kernelService) Close(ctx context.Context, pid int64, fd int) (int64, error) {
	const op = "service.kernelService.Close"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	if err := p.files.Close(ctx, fd); err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return 0, nil
}

func (s *kernelService) Read(ctx context.Context, pid int64, fd int, buf []byte) (int64, error) {
	const op = "service.kernelService.Read"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	n, err := p.files.Read(ctx, fd, buf)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return int64(n), nil
}

func (s *kernelService) Write(ctx context.Context, pid int64, fd int, data []byte) (int64, error) {
	const op = "service.kernelService.Write"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	n, err := p.files.Write(ctx, fd, data)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return int64(n), nil
}

func (s *kernelService) Seek(ctx context.Context, pid int64, fd int, offset int64, whence int) (int64, error) {
	const op = "service.kernelService.Seek"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	pos, err := p.files.Seek(fd, offset, whence)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return pos, nil
}

func (s *kernelService) Dup(ctx context.Context, pid int64, fd int) (int64, error) {
	const op = "service.kernelService.Dup"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	newfd, err := p.files.Dup(ctx, fd)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return int64(newfd), nil
}

func (s *kernelService) Dup2(ctx context.Context, pid int64, oldfd, newfd int) (int64, error) {
	const op = "service.kernelService.Dup2"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	got, err := p.files.Dup2(ctx, oldfd, newfd)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return int64(got), nil
}

func (s *kernelService) Ioctl(ctx context.Context, pid int64, fd int, request, arg uint64) (int64, error) {
	const op = "service.kernelService.Ioctl"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	res, err := p.files.Ioctl(ctx, fd, request, arg)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return res, nil
}

func (s *kernelService) Mmap(ctx context.Context, pid int64, addr, length uint64, prot, flags, fd int, offset int64) (int64, error) {
	const op = "service.kernelService.Mmap"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	var backing mm.Backing
	if flags&mm.MAP_ANONYMOUS == 0 {
		f, err := p.files.Get(fd)
		if err != nil {
			return -1, s.fail(ctx, p, op, err)
		}
		backing = f
	}

	got, err := p.mem.Mmap(ctx, addr, length, prot, flags, backing, offset)
	if err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return int64(got), nil
}

func (s *kernelService) Munmap(ctx context.Context, pid int64, addr, length uint64) (int64, error) {
	const op = "service.kernelService.Munmap"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return -1, err
	}
	defer unlock()

	if err := p.mem.Munmap(ctx, addr, length); err != nil {
		return -1, s.fail(ctx, p, op, err)
	}
	return 0, nil
}

// Exec stages the executable at path into the address space of pid. The
// image is loaded at its link addresses and is not started.
func (s *kernelService) Exec(ctx context.Context, pid int64, path string) (*models.ExecImage, error) {
	const op = "service.kernelService.Exec"

	p, ctx, unlock, err := s.enter(ctx, op, pid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("path", path))

	fd, err := p.files.Open(ctx, s.tree, path, vfs.O_RDONLY)
	if err != nil {
		return nil, s.fail(ctx, p, op, err)
	}
	defer func() {
		if err := p.files.Close(ctx, fd); err != nil {
			logger.Warn("Failed to close executable", slogext.Err(err), slog.Int("fd", fd))
		}
	}()

	f, err := p.files.Get(fd)
	if err != nil {
		return nil, s.fail(ctx, p, op, err)
	}

	img, err := elf.Load(ctx, p.mem, f, 0, true)
	if err != nil {
		return nil, s.fail(ctx, p, op, err)
	}

	return &models.ExecImage{
		Entry:  img.Entry,
		Phdr:   img.Phdr,
		Phent:  img.Phent,
		Phnum:  img.Phnum,
		Interp: img.Interp,
	}, nil
}
