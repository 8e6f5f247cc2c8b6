package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

// FirmRepo implements FirmRepository using PostgreSQL.
type FirmRepo struct{ db *DB }

// NewFirmRepo constructs a firm repository.
func NewFirmRepo(db *DB) *FirmRepo { return &FirmRepo{db: db} }

const firmCols = `id, handle, name, wrapped_key, key_version, require_device_approval, created_at`

func scanFirm(row pgx.Row) (*model.Firm, error) {
	var f model.Firm
	if err := row.Scan(&f.ID, &f.Handle, &f.Name, &f.WrappedKey, &f.KeyVersion, &f.RequireDeviceApproval, &f.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// Create inserts a new firm row.
func (r *FirmRepo) Create(ctx context.Context, f *model.Firm) error {
	const q = `
INSERT INTO firms (id, handle, name, wrapped_key, key_version, require_device_approval)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, f.ID, f.Handle, f.Name, f.WrappedKey, f.KeyVersion, f.RequireDeviceApproval)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a firm by id.
func (r *FirmRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Firm, error) {
	return scanFirm(r.db.Pool.QueryRow(ctx, `SELECT `+firmCols+` FROM firms WHERE id=$1`, id))
}

// GetByHandle selects a firm by its login handle.
func (r *FirmRepo) GetByHandle(ctx context.Context, handle string) (*model.Firm, error) {
	return scanFirm(r.db.Pool.QueryRow(ctx, `SELECT `+firmCols+` FROM firms WHERE handle=$1`, handle))
}

// SetKey stores a newly wrapped firm key.
func (r *FirmRepo) SetKey(ctx context.Context, id uuid.UUID, wrapped []byte, version int) error {
	const q = `UPDATE firms SET wrapped_key=$2, key_version=$3 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, wrapped, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
