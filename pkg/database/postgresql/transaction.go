package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// WithTransaction runs fn with a context carrying a transaction. When ctx
// already carries one, fn joins it and the outermost call decides between
// commit and rollback.
func WithTransaction(ctx context.Context, db Client, fn func(context.Context) error) (err error) {
	const op = "postgresql.WithTransaction"

	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}

	defer func() {
		p := recover()
		if p == nil && err == nil {
			if err = tx.Commit(ctx); err != nil {
				err = fmt.Errorf("%s: commit: %w", op, err)
			}
			return
		}

		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to roll back transaction", slogext.Err(rbErr))
		}
		if p != nil {
			panic(p)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, tx))
}

// GetDBClient returns the transaction carried by ctx, or defaultClient.
func GetDBClient(ctx context.Context, defaultClient Client) Client {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return defaultClient
}
