// Package mm tracks page occupancy of a process address space and installs
// anonymous and file-backed mappings into it.
package mm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

const (
	PageSize = 4096
	// MinAddr is the lowest address a mapping may start at.
	MinAddr = 0x10000
	// MaxAddr is the end of the mappable user range; no mapping crosses it.
	MaxAddr = 1 << 32

	// growPages is both the initial occupancy capacity and its growth step.
	growPages = 0x1000
)

const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

const (
	MAP_SHARED    = 0x01
	MAP_PRIVATE   = 0x02
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

// AddressSpace is the page-table side of a process: it installs and tears
// down page mappings and copies bytes into mapped memory.
type AddressSpace interface {
	MapRange(ctx context.Context, addr uint64, pages int, prot int) error
	UnmapRange(ctx context.Context, addr uint64, pages int) error
	WriteAt(ctx context.Context, p []byte, addr uint64) error
}

// Backing supplies the bytes of a file-backed mapping.
type Backing interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
}

// Manager owns the occupancy bitmap of one address space. The bitmap is the
// only record of what is mapped; there are no region objects.
type Manager struct {
	mu       sync.Mutex
	as       AddressSpace
	occupied bitmap
}

func NewManager(as AddressSpace) *Manager {
	return &Manager{
		as:       as,
		occupied: newBitmap(growPages),
	}
}

func (m *Manager) AddressSpace() AddressSpace { return m.as }

// maxPages is the number of pages between MinAddr and MaxAddr.
const maxPages = (MaxAddr - MinAddr) / PageSize

// populateChunk bounds the buffer used to fill a file-backed mapping.
const populateChunk = 16 * PageSize

func pageCount(length uint64) int {
	n := length / PageSize
	if length%PageSize != 0 {
		n++
	}
	return int(n)
}

func pageIndex(addr uint64) int {
	return int((addr - MinAddr) / PageSize)
}

func pageAddr(index int) uint64 {
	return MinAddr + uint64(index)*PageSize
}

func validAddr(addr uint64) bool {
	return addr >= MinAddr && addr < MaxAddr && addr%PageSize == 0
}

// fits reports whether pages starting at addr stay below MaxAddr.
func fits(addr uint64, pages int) bool {
	return uint64(pages) <= (MaxAddr-addr)/PageSize
}

// Mmap maps length bytes and returns the address of the mapping.
//
// A fixed request is placed at addr and marks its pages occupied whether or
// not they already were, replacing what was mapped there. Otherwise addr is a
// hint honoured when its whole range is free, and the lowest free run of
// pages is used when it is not. Without MAP_ANONYMOUS the mapping is filled
// from file at off before Mmap returns.
func (m *Manager) Mmap(ctx context.Context, addr, length uint64, prot, flags int, file Backing, off int64) (uint64, error) {
	const op = "mm.Manager.Mmap"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if length == 0 {
		return 0, fmt.Errorf("%s: zero length: %w", op, kerrors.ErrInvalidArgument)
	}
	if off < 0 || off%PageSize != 0 {
		return 0, fmt.Errorf("%s: offset %d: %w", op, off, kerrors.ErrInvalidArgument)
	}
	anonymous := flags&MAP_ANONYMOUS != 0
	if !anonymous && file == nil {
		return 0, fmt.Errorf("%s: file mapping without a file: %w", op, kerrors.ErrBadDescriptor)
	}

	if length > MaxAddr-MinAddr {
		return 0, fmt.Errorf("%s: length %d: %w", op, length, kerrors.ErrNoMemory)
	}
	if !anonymous && off > math.MaxInt64-int64(length) {
		return 0, fmt.Errorf("%s: offset %d overflows: %w", op, off, kerrors.ErrInvalidArgument)
	}
	pages := pageCount(length)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case flags&MAP_FIXED != 0:
		if addr < MinAddr || addr%PageSize != 0 {
			return 0, fmt.Errorf("%s: fixed address %#x: %w", op, addr, kerrors.ErrInvalidArgument)
		}
		if addr >= MaxAddr || !fits(addr, pages) {
			return 0, fmt.Errorf("%s: fixed range %#x+%d: %w", op, addr, length, kerrors.ErrNoMemory)
		}

	case validAddr(addr) && fits(addr, pages) && m.occupied.free(pageIndex(addr), pages):
		// hint is usable as is

	default:
		index, ok := m.occupied.firstFit(pages, maxPages)
		if !ok {
			return 0, fmt.Errorf("%s: no room for %d pages: %w", op, pages, kerrors.ErrNoMemory)
		}
		addr = pageAddr(index)
	}
	m.occupied.ensure(pageIndex(addr) + pages)

	if err := m.as.MapRange(ctx, addr, pages, prot); err != nil {
		logger.Error("Failed to install mapping", slogext.Err(err), slog.Uint64("addr", addr))
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	m.occupied.setRange(pageIndex(addr), pages)

	if !anonymous {
		if err := m.populate(ctx, addr, length, file, off); err != nil {
			logger.Error("Failed to populate mapping", slogext.Err(err), slog.Uint64("addr", addr))
			m.occupied.clearRange(pageIndex(addr), pages)
			if unmapErr := m.as.UnmapRange(ctx, addr, pages); unmapErr != nil {
				logger.Error("Failed to tear down mapping", slogext.Err(unmapErr))
			}
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	logger.Debug("Mapped",
		slog.Uint64("addr", addr),
		slog.Int("pages", pages),
		slog.Int("prot", prot),
		slog.Int("flags", flags),
	)
	return addr, nil
}

// populate copies the file bytes behind a mapping into it. Bytes past the end
// of the file stay zero.
func (m *Manager) populate(ctx context.Context, addr, length uint64, file Backing, off int64) error {
	buf := make([]byte, min(length, populateChunk))
	for done := uint64(0); done < length; {
		chunk := buf[:min(length-done, uint64(len(buf)))]
		n, err := file.ReadAt(ctx, chunk, off+int64(done))
		if err != nil {
			return err
		}
		if err := m.as.WriteAt(ctx, chunk[:n], addr+done); err != nil {
			return err
		}
		if n < len(chunk) {
			return nil
		}
		done += uint64(n)
	}
	return nil
}

// Munmap releases the pages of [addr, addr+length). A range running past the
// tracked capacity is clamped to it.
func (m *Manager) Munmap(ctx context.Context, addr, length uint64) error {
	const op = "mm.Manager.Munmap"

	if length == 0 || !validAddr(addr) {
		return fmt.Errorf("%s: range %#x+%d: %w", op, addr, length, kerrors.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	index, pages := pageIndex(addr), pageCount(length)
	if index >= m.occupied.capacity() {
		return fmt.Errorf("%s: %#x beyond tracked pages: %w", op, addr, kerrors.ErrInvalidArgument)
	}
	pages = min(pages, m.occupied.capacity()-index)

	m.occupied.clearRange(index, pages)
	if err := m.as.UnmapRange(ctx, addr, pages); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	logging.GetLoggerFromContextWithOp(ctx, op).Debug("Unmapped",
		slog.Uint64("addr", addr),
		slog.Int("pages", pages),
	)
	return nil
}

// Write copies p into mapped memory at addr.
func (m *Manager) Write(ctx context.Context, addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.as.WriteAt(ctx, p, addr)
}

// Occupied reports whether the page holding addr backs a live mapping.
func (m *Manager) Occupied(addr uint64) bool {
	if addr < MinAddr {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupied.test(pageIndex(addr))
}

// OccupiedPages counts pages currently marked in use.
func (m *Manager) OccupiedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupied.count()
}
