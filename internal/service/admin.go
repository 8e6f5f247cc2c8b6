package service

import (
	"context"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/lexsync/internal/crypto"
	"github.com/and161185/lexsync/internal/crypto/keywrap"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/repository"
)

// Roles a user may hold.
var Roles = []string{"admin", "lawyer", "staff", "viewer"}

// ErrInvalidInput marks rejected admin arguments.
var ErrInvalidInput = fmt.Errorf("invalid input: %w", errs.ErrMalformedPayload)

// AdminService covers operator tasks run from the admin CLI.
type AdminService interface {
	CreateFirm(ctx context.Context, in CreateFirmInput) (*model.Firm, error)
	CreateUser(ctx context.Context, firmHandle, username, password, role string) (*model.User, error)
	DeactivateUser(ctx context.Context, firmHandle, username string) error
	IssueJoinCode(ctx context.Context, firmHandle string, maxUses int, ttl time.Duration) (*model.JoinCode, error)
	ApproveDevice(ctx context.Context, firmHandle, deviceID string) error
	RevokeDevice(ctx context.Context, firmHandle, deviceID string) error
	ListDevices(ctx context.Context, firmHandle string) ([]model.Device, error)
	// RotateFirmKey replaces the firm key and returns the new version.
	RotateFirmKey(ctx context.Context, firmHandle string) (int, error)
}

// CreateFirmInput describes a new tenant.
type CreateFirmInput struct {
	Handle                string
	Name                  string
	RequireDeviceApproval bool
	WithKey               bool // generate a firm encryption key
}

type AdminServiceImpl struct {
	firms     repository.FirmRepository
	users     repository.UserRepository
	devices   repository.DeviceRepository
	joinCodes repository.JoinCodeRepository
	keys      *keywrap.Wrapper
	log       *zap.Logger
	now       func() time.Time
}

// NewAdminService constructs AdminService. keys may be nil when firm keys are disabled.
func NewAdminService(
	firms repository.FirmRepository,
	users repository.UserRepository,
	devices repository.DeviceRepository,
	joinCodes repository.JoinCodeRepository,
	keys *keywrap.Wrapper,
	log *zap.Logger,
) *AdminServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminServiceImpl{firms: firms, users: users, devices: devices, joinCodes: joinCodes, keys: keys, log: log, now: time.Now}
}

func (s *AdminServiceImpl) firm(ctx context.Context, handle string) (*model.Firm, error) {
	f, err := s.firms.GetByHandle(ctx, Normalize(handle))
	if err != nil {
		return nil, fmt.Errorf("firm %q: %w", handle, err)
	}
	return f, nil
}

func (s *AdminServiceImpl) sealNewKey(firmID uuid.UUID, version int) ([]byte, error) {
	if s.keys == nil {
		return nil, fmt.Errorf("%w: master key is not configured", ErrInvalidInput)
	}
	key, err := keywrap.NewKey()
	if err != nil {
		return nil, err
	}
	return s.keys.Wrap(firmID.Bytes(), version, key)
}

// CreateFirm inserts a tenant, optionally with a sealed firm key at version 1.
func (s *AdminServiceImpl) CreateFirm(ctx context.Context, in CreateFirmInput) (*model.Firm, error) {
	handle := Normalize(in.Handle)
	name := strings.TrimSpace(in.Name)
	if handle == "" || name == "" {
		return nil, fmt.Errorf("%w: handle and name are required", ErrInvalidInput)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	f := &model.Firm{ID: id, Handle: handle, Name: name, RequireDeviceApproval: in.RequireDeviceApproval}
	if in.WithKey {
		if f.WrappedKey, err = s.sealNewKey(id, 1); err != nil {
			return nil, err
		}
		f.KeyVersion = 1
	}
	if err := s.firms.Create(ctx, f); err != nil {
		return nil, err
	}
	s.log.Info("firm created", zap.String("firm", id.String()), zap.String("handle", handle))
	return f, nil
}

func validRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CreateUser adds an active member with an argon2id password hash.
func (s *AdminServiceImpl) CreateUser(ctx context.Context, firmHandle, username, password, role string) (*model.User, error) {
	username = Normalize(username)
	role = strings.ToLower(strings.TrimSpace(role))
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: empty username/password", ErrInvalidInput)
	}
	if !validRole(role) {
		return nil, fmt.Errorf("%w: role must be one of %s", ErrInvalidInput, strings.Join(Roles, ", "))
	}
	f, err := s.firm(ctx, firmHandle)
	if err != nil {
		return nil, err
	}
	hash, err := pkgcrypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	u := &model.User{ID: id, FirmID: f.ID, Username: username, PasswordHash: hash, Role: role, Active: true}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// DeactivateUser disables login and revokes the user's refresh tokens.
func (s *AdminServiceImpl) DeactivateUser(ctx context.Context, firmHandle, username string) error {
	f, err := s.firm(ctx, firmHandle)
	if err != nil {
		return err
	}
	u, err := s.users.GetByUsername(ctx, f.ID, Normalize(username))
	if err != nil {
		return fmt.Errorf("user %q: %w", username, err)
	}
	return s.users.Deactivate(ctx, u.ID)
}

var joinEncoding = base32.NewEncoding("ABCDEFGHJKLMNPQRSTUVWXYZ23456789").WithPadding(base32.NoPadding)

// newJoinCode returns a code like "7KQ2-M9XD-RT4A".
func newJoinCode() (string, error) {
	b, err := pkgcrypto.RandBytes(8)
	if err != nil {
		return "", err
	}
	s := joinEncoding.EncodeToString(b)[:12]
	return s[0:4] + "-" + s[4:8] + "-" + s[8:12], nil
}

// IssueJoinCode creates a join code for the firm.
func (s *AdminServiceImpl) IssueJoinCode(ctx context.Context, firmHandle string, maxUses int, ttl time.Duration) (*model.JoinCode, error) {
	if maxUses <= 0 || ttl <= 0 {
		return nil, fmt.Errorf("%w: max uses and ttl must be positive", ErrInvalidInput)
	}
	f, err := s.firm(ctx, firmHandle)
	if err != nil {
		return nil, err
	}
	code, err := newJoinCode()
	if err != nil {
		return nil, err
	}
	now := s.now()
	jc := &model.JoinCode{Code: code, FirmID: f.ID, MaxUses: maxUses, ExpiresAt: now.Add(ttl), CreatedAt: now}
	if err := s.joinCodes.Create(ctx, jc); err != nil {
		return nil, err
	}
	return jc, nil
}

func (s *AdminServiceImpl) ApproveDevice(ctx context.Context, firmHandle, deviceID string) error {
	f, err := s.firm(ctx, firmHandle)
	if err != nil {
		return err
	}
	return s.devices.Approve(ctx, f.ID, deviceID)
}

// RevokeDevice blocks a device and revokes its refresh tokens.
func (s *AdminServiceImpl) RevokeDevice(ctx context.Context, firmHandle, deviceID string) error {
	f, err := s.firm(ctx, firmHandle)
	if err != nil {
		return err
	}
	if err := s.devices.Revoke(ctx, f.ID, deviceID); err != nil {
		return err
	}
	s.log.Info("device revoked", zap.String("firm", f.ID.String()), zap.String("device", deviceID))
	return nil
}

func (s *AdminServiceImpl) ListDevices(ctx context.Context, firmHandle string) ([]model.Device, error) {
	f, err := s.firm(ctx, firmHandle)
	if err != nil {
		return nil, err
	}
	return s.devices.List(ctx, f.ID)
}

// RotateFirmKey seals a fresh key at the next version. Clients pick it up at their next login.
func (s *AdminServiceImpl) RotateFirmKey(ctx context.Context, firmHandle string) (int, error) {
	f, err := s.firm(ctx, firmHandle)
	if err != nil {
		return 0, err
	}
	version := f.KeyVersion + 1
	wrapped, err := s.sealNewKey(f.ID, version)
	if err != nil {
		return 0, err
	}
	if err := s.firms.SetKey(ctx, f.ID, wrapped, version); err != nil {
		return 0, err
	}
	s.log.Info("firm key rotated", zap.String("firm", f.ID.String()), zap.Int("version", version))
	return version, nil
}
