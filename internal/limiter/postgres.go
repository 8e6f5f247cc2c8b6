package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or any pgx querier.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE subject=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, subject, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if d := time.Until(blockedUntil); d > 0 {
			return false, d, nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (subject, ip).
func (l *PG) Success(ctx context.Context, subject string, ipHash []byte) error {
	const q = `DELETE FROM auth_limiter WHERE subject=$1 AND ip_hash=$2`
	_, err := l.pool.Exec(ctx, q, subject, ipHash)
	return err
}

// Failure records a failed attempt and places the block in the same statement once
// the threshold is reached.
func (l *PG) Failure(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter AS a (subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (subject, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - a.updated_at > $3::interval THEN 1 ELSE a.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, subject, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until = now() + $3::interval WHERE subject=$1 AND ip_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, subject, ipHash, l.blockFor); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
