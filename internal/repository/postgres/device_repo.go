package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

const deviceCols = `firm_id, device_id, approved, revoked, descriptor, last_seen_at, created_at`

func scanDevice(row pgx.Row) (*model.Device, error) {
	var (
		d    model.Device
		desc []byte
	)
	if err := row.Scan(&d.FirmID, &d.DeviceID, &d.Approved, &d.Revoked, &desc, &d.LastSeenAt, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	d.Descriptor = desc
	return &d, nil
}

// Get selects one binding.
func (r *DeviceRepo) Get(ctx context.Context, firmID uuid.UUID, deviceID string) (*model.Device, error) {
	const q = `SELECT ` + deviceCols + ` FROM devices WHERE firm_id=$1 AND device_id=$2`
	return scanDevice(r.db.Pool.QueryRow(ctx, q, firmID, deviceID))
}

// Bind returns the binding, creating it when absent.
func (r *DeviceRepo) Bind(ctx context.Context, firmID uuid.UUID, deviceID string, approvedIfNew bool) (*model.Device, error) {
	const q = `
INSERT INTO devices (firm_id, device_id, approved)
VALUES ($1, $2, $3)
ON CONFLICT (firm_id, device_id) DO UPDATE SET last_seen_at=now()
RETURNING ` + deviceCols
	return scanDevice(r.db.Pool.QueryRow(ctx, q, firmID, deviceID, approvedIfNew))
}

// Touch records device activity.
func (r *DeviceRepo) Touch(ctx context.Context, firmID uuid.UUID, deviceID string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE devices SET last_seen_at=now() WHERE firm_id=$1 AND device_id=$2`, firmID, deviceID)
	return err
}

// Approve allows the device into the firm namespace and clears a prior revocation.
func (r *DeviceRepo) Approve(ctx context.Context, firmID uuid.UUID, deviceID string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE devices SET approved=true, revoked=false WHERE firm_id=$1 AND device_id=$2`, firmID, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Revoke blocks the device and revokes the refresh tokens issued to it.
func (r *DeviceRepo) Revoke(ctx context.Context, firmID uuid.UUID, deviceID string) error {
	return inTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE devices SET revoked=true, approved=false WHERE firm_id=$1 AND device_id=$2`, firmID, deviceID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		const q = `
UPDATE refresh_tokens t SET revoked=true
FROM users u
WHERE t.user_id=u.id AND u.firm_id=$1 AND t.device_id=$2 AND NOT t.revoked`
		_, err = tx.Exec(ctx, q, firmID, deviceID)
		return err
	})
}

// List returns all bindings of a firm, oldest first.
func (r *DeviceRepo) List(ctx context.Context, firmID uuid.UUID) ([]model.Device, error) {
	const q = `SELECT ` + deviceCols + ` FROM devices WHERE firm_id=$1 ORDER BY created_at, device_id`
	rows, err := r.db.Pool.Query(ctx, q, firmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
