package postgresql

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTx struct {
	pgx.Tx
	commits, rollbacks int
	commitErr          error
}

func (tx *recordingTx) Commit(context.Context) error {
	tx.commits++
	return tx.commitErr
}

func (tx *recordingTx) Rollback(context.Context) error {
	tx.rollbacks++
	return nil
}

type recordingClient struct {
	Client
	begins int
	tx     *recordingTx
}

func (c *recordingClient) Begin(context.Context) (pgx.Tx, error) {
	c.begins++
	return c.tx, nil
}

func newClient() *recordingClient {
	return &recordingClient{tx: &recordingTx{}}
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	t.Parallel()

	db := newClient()
	err := WithTransaction(context.Background(), db, func(ctx context.Context) error {
		assert.Same(t, db.tx, GetDBClient(ctx, db))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, db.tx.commits)
	assert.Zero(t, db.tx.rollbacks)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	t.Parallel()

	db := newClient()
	boom := errors.New("boom")
	err := WithTransaction(context.Background(), db, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, db.tx.commits)
	assert.Equal(t, 1, db.tx.rollbacks)
}

func TestWithTransaction_ReportsCommitFailure(t *testing.T) {
	t.Parallel()

	db := newClient()
	db.tx.commitErr = errors.New("serialization failure")
	err := WithTransaction(context.Background(), db, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, db.tx.commitErr)
}

func TestWithTransaction_NestedCallsJoinTheOuterTransaction(t *testing.T) {
	t.Parallel()

	db := newClient()
	err := WithTransaction(context.Background(), db, func(ctx context.Context) error {
		return WithTransaction(ctx, db, func(ctx context.Context) error {
			assert.Same(t, db.tx, GetDBClient(ctx, db))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, db.begins)
	assert.Equal(t, 1, db.tx.commits)
}

func TestWithTransaction_RollsBackAndRepanics(t *testing.T) {
	t.Parallel()

	db := newClient()
	assert.PanicsWithValue(t, "boom", func() {
		_ = WithTransaction(context.Background(), db, func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, 1, db.tx.rollbacks)
	assert.Zero(t, db.tx.commits)
}

func TestGetDBClient_FallsBackOutsideTransaction(t *testing.T) {
	t.Parallel()

	db := newClient()
	assert.Same(t, db, GetDBClient(context.Background(), db))
}
