package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func TestIsRetryableTxError(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		require.True(t, isRetryableTxError(&pgconn.PgError{Code: code}), code)
	}
	require.False(t, isRetryableTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryableTxError(errors.New("plain")))
	require.False(t, isRetryableTxError(nil))
}

func TestRetryTx_ReplaysRetryableThenSucceeds(t *testing.T) {
	calls := 0
	err := retryTx(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryTx_GivesUpAndReturnsCause(t *testing.T) {
	calls := 0
	err := retryTx(context.Background(), 2, func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pg *pgconn.PgError
	require.ErrorAs(t, err, &pg)
	require.Equal(t, "40P01", pg.Code)
	require.Equal(t, 3, calls)
}

func TestRetryTx_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := retryTx(context.Background(), 5, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestInTx_RollbackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err := inTx(context.Background(), db.Pool, func(_ pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
