package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/models"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/database/postgresql"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
	"github.com/jackc/pgx/v5"
)

type DeviceRepository interface {
	Migrate(ctx context.Context) error
	Get(ctx context.Context, name string) (*models.Device, error)
	GetOrCreate(ctx context.Context, name string, sectorSize int, sectorCount int64) (*models.Device, error)
}

type deviceRepository struct {
	db     postgresql.Client
	schema string
}

func NewDeviceRepository(db postgresql.Client, schema string) DeviceRepository {
	return &deviceRepository{db: db, schema: schema}
}

func (r *deviceRepository) Migrate(ctx context.Context) error {
	const op = "repository.deviceRepository.Migrate"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	devices := table(r.schema, devicesTable)
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name         TEXT PRIMARY KEY,
				sector_size  INTEGER NOT NULL,
				sector_count BIGINT NOT NULL,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, devices),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				device TEXT NOT NULL REFERENCES %s (name) ON DELETE CASCADE,
				sector BIGINT NOT NULL,
				data   BYTEA NOT NULL,
				PRIMARY KEY (device, sector)
			)
		`, table(r.schema, sectorsTable), devices),
	}

	err := postgresql.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		db := postgresql.GetDBClient(ctx, r.db)
		for _, stmt := range statements {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to migrate device tables", slogext.Err(err), slog.String("schema", r.schema))
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *deviceRepository) Get(ctx context.Context, name string) (*models.Device, error) {
	const op = "repository.deviceRepository.Get"

	query := fmt.Sprintf(`
		SELECT name, sector_size, sector_count, created_at
		FROM %s
		WHERE name = $1
	`, table(r.schema, devicesTable))

	var dev models.Device
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, query, name).Scan(
		&dev.Name,
		&dev.SectorSize,
		&dev.SectorCount,
		&dev.CreateAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &dev, nil
}

// GetOrCreate returns the stored geometry when the device already exists;
// the requested geometry is only used on first creation.
func (r *deviceRepository) GetOrCreate(ctx context.Context, name string, sectorSize int, sectorCount int64) (*models.Device, error) {
	const op = "repository.deviceRepository.GetOrCreate"

	dev, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if dev != nil {
		return dev, nil
	}

	err = postgresql.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (name, sector_size, sector_count)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING
		`, table(r.schema, devicesTable))

		db := postgresql.GetDBClient(ctx, r.db)
		_, err := db.Exec(ctx, query, name, sectorSize, sectorCount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return r.Get(ctx, name)
}
