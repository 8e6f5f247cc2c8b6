package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

// JoinCodeRepo implements JoinCodeRepository using PostgreSQL.
type JoinCodeRepo struct{ db *DB }

// NewJoinCodeRepo constructs a join code repository.
func NewJoinCodeRepo(db *DB) *JoinCodeRepo { return &JoinCodeRepo{db: db} }

// Create inserts a join code.
func (r *JoinCodeRepo) Create(ctx context.Context, jc *model.JoinCode) error {
	const q = `INSERT INTO join_codes (code, firm_id, max_uses, expires_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, jc.Code, jc.FirmID, jc.MaxUses, jc.ExpiresAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Enroll consumes one use of a join code and binds the device.
func (r *JoinCodeRepo) Enroll(
	ctx context.Context, code, deviceID string, descriptor json.RawMessage, now time.Time,
) (res model.Enrollment, err error) {
	if len(descriptor) == 0 {
		descriptor = json.RawMessage(`{}`)
	}
	err = inTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
		const sel = `
SELECT j.firm_id, j.max_uses, j.use_count, j.expires_at, f.name, f.require_device_approval
FROM join_codes j JOIN firms f ON f.id = j.firm_id
WHERE j.code=$1
FOR UPDATE OF j`
		var (
			jc              model.JoinCode
			requireApproval bool
		)
		scanErr := tx.QueryRow(ctx, sel, code).
			Scan(&jc.FirmID, &jc.MaxUses, &jc.UseCount, &jc.ExpiresAt, &res.FirmName, &requireApproval)
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
			return errs.ErrJoinCodeInvalid
		case scanErr != nil:
			return scanErr
		}
		if !now.Before(jc.ExpiresAt) || jc.UseCount >= jc.MaxUses {
			return errs.ErrJoinCodeInvalid
		}

		if _, err := tx.Exec(ctx, `UPDATE join_codes SET use_count = use_count + 1 WHERE code=$1`, code); err != nil {
			return err
		}

		const upsert = `
INSERT INTO devices (firm_id, device_id, approved, revoked, descriptor)
VALUES ($1, $2, $3, false, $4)
ON CONFLICT (firm_id, device_id) DO UPDATE SET
  revoked = false,
  approved = devices.approved OR EXCLUDED.approved,
  descriptor = EXCLUDED.descriptor,
  last_seen_at = now()
RETURNING approved`
		res.FirmID = jc.FirmID
		return tx.QueryRow(ctx, upsert, jc.FirmID, deviceID, !requireApproval, descriptor).Scan(&res.Approved)
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	return res, nil
}
