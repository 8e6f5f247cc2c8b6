package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs a refresh token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

const (
	revokeLive  = `UPDATE refresh_tokens SET revoked=true WHERE user_id=$1 AND device_id=$2 AND NOT revoked`
	insertToken = `INSERT INTO refresh_tokens (token_hash, user_id, device_id, expires_at) VALUES ($1, $2, $3, $4)`
)

func insertRefresh(ctx context.Context, tx pgx.Tx, t *model.RefreshToken) error {
	_, err := tx.Exec(ctx, insertToken, t.TokenHash, t.UserID, t.DeviceID, t.ExpiresAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Issue replaces the live token of (user, device).
func (r *TokenRepo) Issue(ctx context.Context, t *model.RefreshToken) error {
	return inTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, revokeLive, t.UserID, t.DeviceID); err != nil {
			return err
		}
		return insertRefresh(ctx, tx, t)
	})
}

// Rotate swaps a live token for next.
func (r *TokenRepo) Rotate(
	ctx context.Context, oldHash string, next *model.RefreshToken, now time.Time,
) (*model.RefreshToken, error) {
	var old model.RefreshToken
	err := inTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
		const sel = `
SELECT token_hash, user_id, device_id, expires_at, revoked, created_at
FROM refresh_tokens WHERE token_hash=$1
FOR UPDATE`
		err := tx.QueryRow(ctx, sel, oldHash).
			Scan(&old.TokenHash, &old.UserID, &old.DeviceID, &old.ExpiresAt, &old.Revoked, &old.CreatedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return errs.ErrAuthFailed
		case err != nil:
			return err
		}
		if old.Revoked || !now.Before(old.ExpiresAt) {
			return errs.ErrAuthFailed
		}
		if _, err := tx.Exec(ctx, revokeLive, old.UserID, old.DeviceID); err != nil {
			return err
		}
		next.UserID, next.DeviceID = old.UserID, old.DeviceID
		return insertRefresh(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	old.Revoked = true
	return &old, nil
}

// Revoke revokes hash and the live token of its (user, device).
func (r *TokenRepo) Revoke(ctx context.Context, hash string) error {
	const q = `
UPDATE refresh_tokens t SET revoked=true
FROM refresh_tokens o
WHERE o.token_hash=$1 AND t.user_id=o.user_id AND t.device_id=o.device_id AND NOT t.revoked`
	_, err := r.db.Pool.Exec(ctx, q, hash)
	return err
}
