// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexsync/internal/model"
)

// FirmRepository stores tenants.
type FirmRepository interface {
	// Create inserts a new firm; a taken handle yields errs.ErrAlreadyExists.
	Create(ctx context.Context, f *model.Firm) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Firm, error)
	GetByHandle(ctx context.Context, handle string) (*model.Firm, error)
	// SetKey replaces the wrapped firm key and its version.
	SetKey(ctx context.Context, id uuid.UUID, wrapped []byte, version int) error
}

// UserRepository provides access to firm members.
type UserRepository interface {
	// Create inserts a new user; a taken username yields errs.ErrAlreadyExists.
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetByUsername(ctx context.Context, firmID uuid.UUID, username string) (*model.User, error)
	// Deactivate clears the active flag and revokes every refresh token of the user.
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// DeviceRepository manages device-to-firm bindings.
type DeviceRepository interface {
	Get(ctx context.Context, firmID uuid.UUID, deviceID string) (*model.Device, error)
	// Bind returns the binding, creating it with approvedIfNew when absent, and refreshes last-seen.
	Bind(ctx context.Context, firmID uuid.UUID, deviceID string, approvedIfNew bool) (*model.Device, error)
	// Touch refreshes last-seen.
	Touch(ctx context.Context, firmID uuid.UUID, deviceID string) error
	Approve(ctx context.Context, firmID uuid.UUID, deviceID string) error
	// Revoke marks the device revoked and revokes its refresh tokens.
	Revoke(ctx context.Context, firmID uuid.UUID, deviceID string) error
	List(ctx context.Context, firmID uuid.UUID) ([]model.Device, error)
}

// JoinCodeRepository issues and consumes enrollment codes.
type JoinCodeRepository interface {
	Create(ctx context.Context, jc *model.JoinCode) error
	// Enroll consumes one use of code and creates or reactivates the device binding
	// in a single transaction. Unusable codes yield errs.ErrJoinCodeInvalid.
	Enroll(ctx context.Context, code, deviceID string, descriptor json.RawMessage, now time.Time) (model.Enrollment, error)
}

// TokenRepository stores refresh token hashes.
type TokenRepository interface {
	// Issue revokes any live token for (user, device) and stores t, atomically.
	Issue(ctx context.Context, t *model.RefreshToken) error
	// Rotate revokes the live, unexpired token oldHash and stores next for the same
	// (user, device). It returns the revoked token. Unknown, revoked or expired tokens
	// yield errs.ErrAuthFailed.
	Rotate(ctx context.Context, oldHash string, next *model.RefreshToken, now time.Time) (*model.RefreshToken, error)
	// Revoke revokes hash and any live token for the same (user, device).
	// Unknown hashes are not an error.
	Revoke(ctx context.Context, hash string) error
}
