package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const userCols = `id, firm_id, username, password_hash, role, active, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.FirmID, &u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, firm_id, username, password_hash, role, active)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.FirmID, u.Username, u.PasswordHash, u.Role, u.Active)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

// GetByUsername selects a user by username within a firm.
func (r *UserRepo) GetByUsername(ctx context.Context, firmID uuid.UUID, username string) (*model.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE firm_id=$1 AND username=$2`, firmID, username))
}

// Deactivate disables the user and revokes all of its refresh tokens.
func (r *UserRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	return inTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET active=false WHERE id=$1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		_, err = tx.Exec(ctx, `UPDATE refresh_tokens SET revoked=true WHERE user_id=$1 AND NOT revoked`, id)
		return err
	})
}
