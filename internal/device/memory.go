package device

import (
	"context"
	"sync"
)

type Memory struct {
	name       string
	sectorSize int

	mu  sync.RWMutex
	buf []byte
}

func NewMemory(name string, size int64, sectorSize int) *Memory {
	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}
	return &Memory{
		name:       name,
		sectorSize: sectorSize,
		buf:        make([]byte, size),
	}
}

func (m *Memory) Name() string    { return m.name }
func (m *Memory) SectorSize() int { return m.sectorSize }
func (m *Memory) Size() int64     { return int64(len(m.buf)) }

func (m *Memory) Read(_ context.Context, offset int64, buf []byte) error {
	if err := checkRange("device.Memory.Read", m, offset, len(buf)); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	copy(buf, m.buf[offset:])
	return nil
}

func (m *Memory) Write(_ context.Context, offset int64, buf []byte) error {
	if err := checkRange("device.Memory.Write", m, offset, len(buf)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.buf[offset:], buf)
	return nil
}
