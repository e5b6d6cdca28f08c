package mm

import (
	"context"
	"fmt"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
)

// page is a mapped page; data stays nil until the page is first written.
type page struct {
	data *[PageSize]byte
	prot int
}

// SparseAddressSpace is an in-memory AddressSpace holding only the pages
// that are mapped. Every mapping starts zero-filled.
type SparseAddressSpace struct {
	mu    sync.RWMutex
	pages map[uint64]*page
}

func NewSparseAddressSpace() *SparseAddressSpace {
	return &SparseAddressSpace{pages: make(map[uint64]*page)}
}

func (s *SparseAddressSpace) MapRange(_ context.Context, addr uint64, pages int, prot int) error {
	if addr%PageSize != 0 || pages < 0 {
		return fmt.Errorf("map %#x: %w", addr, kerrors.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range pages {
		s.pages[addr+uint64(i)*PageSize] = &page{prot: prot}
	}
	return nil
}

func (s *SparseAddressSpace) UnmapRange(_ context.Context, addr uint64, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range pages {
		delete(s.pages, addr+uint64(i)*PageSize)
	}
	return nil
}

// WriteAt copies p to addr. Every page touched must be mapped; nothing is
// written otherwise.
func (s *SparseAddressSpace) WriteAt(_ context.Context, p []byte, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(addr, len(p)); err != nil {
		return err
	}
	for len(p) > 0 {
		pg := s.pages[addr&^(PageSize-1)]
		if pg.data == nil {
			pg.data = new([PageSize]byte)
		}
		n := copy(pg.data[addr%PageSize:], p)
		p, addr = p[n:], addr+uint64(n)
	}
	return nil
}

func (s *SparseAddressSpace) ReadAt(_ context.Context, p []byte, addr uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(addr, len(p)); err != nil {
		return err
	}
	for len(p) > 0 {
		pg := s.pages[addr&^(PageSize-1)]
		n := min(len(p), int(PageSize-addr%PageSize))
		if pg.data == nil {
			clear(p[:n])
		} else {
			copy(p, pg.data[addr%PageSize:])
		}
		p, addr = p[n:], addr+uint64(n)
	}
	return nil
}

func (s *SparseAddressSpace) check(addr uint64, n int) error {
	if n == 0 {
		return nil
	}
	end := addr + uint64(n)
	if end < addr {
		return fmt.Errorf("range %#x+%d wraps: %w", addr, n, kerrors.ErrInvalidArgument)
	}
	for a := addr &^ (PageSize - 1); a < end; a += PageSize {
		if _, ok := s.pages[a]; !ok {
			return fmt.Errorf("page %#x not mapped: %w", a, kerrors.ErrInvalidArgument)
		}
	}
	return nil
}

// Prot returns the protection of the page holding addr.
func (s *SparseAddressSpace) Prot(addr uint64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pg, ok := s.pages[addr&^(PageSize-1)]
	if !ok {
		return 0, false
	}
	return pg.prot, true
}

// Mapped counts mapped pages.
func (s *SparseAddressSpace) Mapped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}
