package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/os-course-lab-4/kcore/pkg/database/postgresql"
	"github.com/jackc/pgx/v5"
)

// SectorRepository stores raw device sectors. Sectors never written read
// back as nil and are zero-filled by the caller.
type SectorRepository interface {
	Get(ctx context.Context, device string, sector int64) ([]byte, error)
	GetRange(ctx context.Context, device string, first int64, count int64) (map[int64][]byte, error)
	Set(ctx context.Context, device string, sector int64, data []byte) error
	DeleteAll(ctx context.Context, device string) error
}

type sectorRepository struct {
	db     postgresql.Client
	schema string
}

func NewSectorRepository(db postgresql.Client, schema string) SectorRepository {
	return &sectorRepository{db: db, schema: schema}
}

func (r *sectorRepository) Get(ctx context.Context, device string, sector int64) ([]byte, error) {
	const op = "repository.sectorRepository.Get"

	query := fmt.Sprintf(`
		SELECT data
		FROM %s
		WHERE device = $1 AND sector = $2
	`, table(r.schema, sectorsTable))

	var data []byte
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, query, device, sector).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return data, nil
}

func (r *sectorRepository) GetRange(ctx context.Context, device string, first int64, count int64) (map[int64][]byte, error) {
	const op = "repository.sectorRepository.GetRange"

	query := fmt.Sprintf(`
		SELECT sector, data
		FROM %s
		WHERE device = $1 AND sector >= $2 AND sector < $3
	`, table(r.schema, sectorsTable))

	db := postgresql.GetDBClient(ctx, r.db)
	rows, err := db.Query(ctx, query, device, first, first+count)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	sectors := make(map[int64][]byte, count)
	for rows.Next() {
		var (
			sector int64
			data   []byte
		)
		if err := rows.Scan(&sector, &data); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sectors[sector] = data
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return sectors, nil
}

func (r *sectorRepository) Set(ctx context.Context, device string, sector int64, data []byte) error {
	const op = "repository.sectorRepository.Set"

	query := fmt.Sprintf(`
		INSERT INTO %s (device, sector, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (device, sector)
		DO UPDATE SET data = EXCLUDED.data
	`, table(r.schema, sectorsTable))

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query, device, sector, data)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *sectorRepository) DeleteAll(ctx context.Context, device string) error {
	const op = "repository.sectorRepository.DeleteAll"

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE device = $1
	`, table(r.schema, sectorsTable))

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query, device)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
