package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/repository"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/database/postgresql"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
)

// Postgres is a device whose sectors live in the device_sectors table.
// Unwritten sectors read back as zeroes.
type Postgres struct {
	name       string
	sectorSize int
	size       int64

	db      postgresql.Client
	sectors repository.SectorRepository
}

func NewPostgres(
	ctx context.Context,
	name string,
	size int64,
	sectorSize int,
	db postgresql.Client,
	devices repository.DeviceRepository,
	sectors repository.SectorRepository,
) (*Postgres, error) {
	const op = "device.NewPostgres"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}

	count := (size + int64(sectorSize) - 1) / int64(sectorSize)
	dev, err := devices.GetOrCreate(ctx, name, sectorSize, count)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Postgres device attached",
		slog.String("device", dev.Name),
		slog.Int("sector_size", dev.SectorSize),
		slog.Int64("sector_count", dev.SectorCount),
	)

	return &Postgres{
		name:       dev.Name,
		sectorSize: dev.SectorSize,
		size:       dev.SectorCount * int64(dev.SectorSize),
		db:         db,
		sectors:    sectors,
	}, nil
}

func (p *Postgres) Name() string    { return p.name }
func (p *Postgres) SectorSize() int { return p.sectorSize }
func (p *Postgres) Size() int64     { return p.size }

func (p *Postgres) span(offset int64, n int) (first int64, count int64) {
	ss := int64(p.sectorSize)
	first = offset / ss
	last := (offset + int64(n) + ss - 1) / ss
	return first, last - first
}

func (p *Postgres) load(ctx context.Context, first, count int64) ([]byte, error) {
	stored, err := p.sectors.GetRange(ctx, p.name, first, count)
	if err != nil {
		return nil, err
	}

	ss := int64(p.sectorSize)
	raw := make([]byte, count*ss)
	for sector, data := range stored {
		copy(raw[(sector-first)*ss:(sector-first+1)*ss], data)
	}
	return raw, nil
}

func (p *Postgres) Read(ctx context.Context, offset int64, buf []byte) error {
	const op = "device.Postgres.Read"

	if err := checkRange(op, p, offset, len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}

	first, count := p.span(offset, len(buf))
	raw, err := p.load(ctx, first, count)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	copy(buf, raw[offset-first*int64(p.sectorSize):])
	return nil
}

// Write performs a read-modify-write of every touched sector in one
// transaction.
func (p *Postgres) Write(ctx context.Context, offset int64, buf []byte) error {
	const op = "device.Postgres.Write"

	if err := checkRange(op, p, offset, len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}

	first, count := p.span(offset, len(buf))
	ss := int64(p.sectorSize)

	err := postgresql.WithTransaction(ctx, p.db, func(ctx context.Context) error {
		raw, err := p.load(ctx, first, count)
		if err != nil {
			return err
		}

		copy(raw[offset-first*ss:], buf)

		for i := int64(0); i < count; i++ {
			if err := p.sectors.Set(ctx, p.name, first+i, raw[i*ss:(i+1)*ss]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
