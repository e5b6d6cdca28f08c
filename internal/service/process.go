package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/fd"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/mm"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

// Process is the per-process context the syscalls act on.
type Process struct {
	pid   int64
	files *fd.Table
	space *mm.SparseAddressSpace
	mem   *mm.Manager
	errno atomic.Int64
}

func newProcess(pid int64) *Process {
	space := mm.NewSparseAddressSpace()
	return &Process{
		pid:   pid,
		files: fd.NewTable(),
		space: space,
		mem:   mm.NewManager(space),
	}
}

func (p *Process) PID() int64                           { return p.pid }
func (p *Process) Files() *fd.Table                     { return p.files }
func (p *Process) Memory() *mm.Manager                  { return p.mem }
func (p *Process) AddressSpace() *mm.SparseAddressSpace { return p.space }

// process looks up pid. Callers hold s.mu.
func (s *kernelService) process(pid int64) (*Process, error) {
	p, ok := s.procs[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, kerrors.ErrNoProcess)
	}
	return p, nil
}

func (s *kernelService) Spawn(ctx context.Context, pid int64) error {
	const op = "service.kernelService.Spawn"

	s.mu.Lock()
	defer s.mu.Unlock()

	if pid <= 0 {
		return s.fail(ctx, nil, op, fmt.Errorf("pid %d: %w", pid, kerrors.ErrInvalidArgument))
	}
	if _, ok := s.procs[pid]; ok {
		return s.fail(ctx, nil, op, fmt.Errorf("pid %d: %w", pid, kerrors.ErrExists))
	}

	s.procs[pid] = newProcess(pid)
	logging.GetLoggerFromContextWithOp(ctx, op).Debug("Process spawned", slog.Int64("pid", pid))
	return nil
}

// Exit closes every descriptor of pid and forgets it.
func (s *kernelService) Exit(ctx context.Context, pid int64) error {
	const op = "service.kernelService.Exit"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.process(pid)
	if err != nil {
		return s.fail(ctx, nil, op, err)
	}
	delete(s.procs, pid)

	if err := p.files.CloseAll(ctx); err != nil {
		logger.Error("Failed to close descriptors on exit", slogext.Err(err), slog.Int64("pid", pid))
		return s.fail(ctx, nil, op, err)
	}

	logger.Debug("Process exited", slog.Int64("pid", pid))
	return nil
}

// Errno returns the error code of the last failed syscall of pid.
func (s *kernelService) Errno(ctx context.Context, pid int64) (int64, error) {
	const op = "service.kernelService.Errno"

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.process(pid)
	if err != nil {
		return 0, s.fail(ctx, nil, op, err)
	}
	return p.errno.Load(), nil
}
