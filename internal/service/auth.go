// Package service contains application services for enrollment, authentication,
// administration and record synchronization.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	pkgcrypto "github.com/and161185/lexsync/internal/crypto"
	"github.com/and161185/lexsync/internal/crypto/keywrap"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/limiter"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/repository"
	"github.com/and161185/lexsync/internal/token"
)

const refreshTokenBytes = 32

// AuthService defines enrollment and authentication operations.
type AuthService interface {
	// Enroll consumes a join code and binds the device to the code's firm.
	Enroll(ctx context.Context, code, deviceID string, descriptor json.RawMessage) (model.Enrollment, error)
	// Login applies rate-limiting, verifies credentials and issues a token pair.
	Login(ctx context.Context, in LoginInput) (LoginResult, error)
	// Refresh rotates a refresh token and issues a new access token.
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
	// Logout revokes the refresh token of the device. It never fails on unknown tokens.
	Logout(ctx context.Context, refreshToken string) error
	// Authenticate verifies an access token and the current state of its device and user.
	Authenticate(ctx context.Context, accessToken string) (token.Principal, error)
}

// LoginInput carries the login request and the caller address for rate limiting.
type LoginInput struct {
	FirmHandle string
	Username   string
	Password   string
	DeviceID   string
	RemoteAddr string
}

// LoginResult is a successful login.
type LoginResult struct {
	Tokens     model.Tokens
	User       model.User
	FirmKey    []byte // plaintext firm key, nil when the firm has none
	KeyVersion int
}

// AuthDeps wires AuthServiceImpl.
type AuthDeps struct {
	Firms      repository.FirmRepository
	Users      repository.UserRepository
	Devices    repository.DeviceRepository
	JoinCodes  repository.JoinCodeRepository
	Tokens     repository.TokenRepository
	Issuer     *token.Issuer
	RefreshTTL time.Duration
	Limiter    limiter.Limiter
	Keys       *keywrap.Wrapper // optional
	Log        *zap.Logger
}

type AuthServiceImpl struct {
	AuthDeps
	now func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(d AuthDeps) *AuthServiceImpl {
	if d.RefreshTTL <= 0 {
		d.RefreshTTL = 30 * 24 * time.Hour
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &AuthServiceImpl{AuthDeps: d, now: time.Now}
}

// Normalize case-folds handles and usernames so lookups are case-insensitive.
func Normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Enroll validates input and delegates the atomic code consumption to the repository.
func (s *AuthServiceImpl) Enroll(ctx context.Context, code, deviceID string, descriptor json.RawMessage) (model.Enrollment, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(deviceID) == "" {
		return model.Enrollment{}, fmt.Errorf("%w: join code and device id are required", errs.ErrMalformedPayload)
	}
	if len(descriptor) > 0 {
		if _, err := decodeDescriptor(descriptor); err != nil {
			return model.Enrollment{}, err
		}
	}
	res, err := s.JoinCodes.Enroll(ctx, code, deviceID, descriptor, s.now())
	if err != nil {
		return model.Enrollment{}, err
	}
	s.Log.Info("device enrolled",
		zap.String("firm", res.FirmID.String()),
		zap.String("device", deviceID),
		zap.Bool("approved", res.Approved),
	)
	return res, nil
}

func decodeDescriptor(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: device descriptor must be an object", errs.ErrMalformedPayload)
	}
	return m, nil
}

// Login authenticates with rate limiting by (firm/username, ip).
func (s *AuthServiceImpl) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	handle, username := Normalize(in.FirmHandle), Normalize(in.Username)
	if handle == "" || username == "" || in.Password == "" || strings.TrimSpace(in.DeviceID) == "" {
		return LoginResult{}, fmt.Errorf("%w: missing credentials", errs.ErrAuthFailed)
	}
	subject := limiter.Subject(handle, username)
	ipHash := limiter.HashIP(in.RemoteAddr)

	allowed, _, err := s.Limiter.Allow(ctx, subject, ipHash)
	if err != nil {
		return LoginResult{}, err
	}
	if !allowed {
		return LoginResult{}, errs.ErrRateLimited
	}

	firm, user, err := s.checkCredentials(ctx, handle, username, in.Password)
	if err != nil {
		if !errors.Is(err, errs.ErrAuthFailed) {
			return LoginResult{}, err
		}
		if blocked, _, ferr := s.Limiter.Failure(ctx, subject, ipHash); ferr == nil && blocked {
			return LoginResult{}, errs.ErrRateLimited
		}
		return LoginResult{}, err
	}

	// Success: reset counters (best-effort).
	_ = s.Limiter.Success(ctx, subject, ipHash)

	dev, err := s.Devices.Bind(ctx, firm.ID, in.DeviceID, !firm.RequireDeviceApproval)
	if err != nil {
		return LoginResult{}, err
	}
	if !dev.Usable() {
		return LoginResult{}, errs.ErrDeviceNotApproved
	}

	tokens, err := s.issue(ctx, *user, in.DeviceID)
	if err != nil {
		return LoginResult{}, err
	}
	res := LoginResult{Tokens: tokens, User: *user}
	if len(firm.WrappedKey) > 0 && s.Keys != nil {
		key, err := s.Keys.Unwrap(firm.ID.Bytes(), firm.KeyVersion, firm.WrappedKey)
		if err != nil {
			return LoginResult{}, fmt.Errorf("unwrap firm key: %w", err)
		}
		res.FirmKey, res.KeyVersion = key, firm.KeyVersion
	}
	s.Log.Info("login",
		zap.String("firm", firm.ID.String()),
		zap.String("user", user.ID.String()),
		zap.String("device", in.DeviceID),
	)
	return res, nil
}

// checkCredentials hides which of firm, user or password was wrong.
func (s *AuthServiceImpl) checkCredentials(ctx context.Context, handle, username, password string) (*model.Firm, *model.User, error) {
	firm, err := s.Firms.GetByHandle(ctx, handle)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil, errs.ErrAuthFailed
	}
	if err != nil {
		return nil, nil, err
	}
	user, err := s.Users.GetByUsername(ctx, firm.ID, username)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil, errs.ErrAuthFailed
	}
	if err != nil {
		return nil, nil, err
	}
	ok, err := pkgcrypto.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok || !user.Active {
		return nil, nil, errs.ErrAuthFailed
	}
	return firm, user, nil
}

func (s *AuthServiceImpl) newRefresh(user model.User, deviceID string) (string, *model.RefreshToken, error) {
	plain, err := pkgcrypto.NewOpaqueToken(refreshTokenBytes)
	if err != nil {
		return "", nil, err
	}
	return plain, &model.RefreshToken{
		TokenHash: pkgcrypto.HashToken(plain),
		UserID:    user.ID,
		DeviceID:  deviceID,
		ExpiresAt: s.now().Add(s.RefreshTTL),
	}, nil
}

// issue signs an access token and stores a fresh refresh token for (user, device).
func (s *AuthServiceImpl) issue(ctx context.Context, user model.User, deviceID string) (model.Tokens, error) {
	access, exp, err := s.Issuer.Issue(token.Principal{UserID: user.ID, FirmID: user.FirmID, DeviceID: deviceID, Role: user.Role})
	if err != nil {
		return model.Tokens{}, err
	}
	plain, rt, err := s.newRefresh(user, deviceID)
	if err != nil {
		return model.Tokens{}, err
	}
	if err := s.Tokens.Issue(ctx, rt); err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, RefreshToken: plain, ExpiresAt: exp}, nil
}

// Refresh rotates the refresh token; the presented token is revoked on success.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	if refreshToken == "" {
		return model.Tokens{}, errs.ErrAuthFailed
	}
	plain, next, err := s.newRefresh(model.User{}, "")
	if err != nil {
		return model.Tokens{}, err
	}
	old, err := s.Tokens.Rotate(ctx, pkgcrypto.HashToken(refreshToken), next, s.now())
	if err != nil {
		return model.Tokens{}, err
	}

	user, err := s.Users.GetByID(ctx, old.UserID)
	if err == nil && !user.Active {
		err = errs.ErrAuthFailed
	}
	var dev *model.Device
	if err == nil {
		dev, err = s.Devices.Get(ctx, user.FirmID, old.DeviceID)
		if err == nil && !dev.Usable() {
			err = errs.ErrDeviceNotApproved
		}
	}
	if err != nil {
		_ = s.Tokens.Revoke(ctx, next.TokenHash)
		if errors.Is(err, errs.ErrNotFound) {
			return model.Tokens{}, errs.ErrAuthFailed
		}
		return model.Tokens{}, err
	}

	access, exp, err := s.Issuer.Issue(token.Principal{UserID: user.ID, FirmID: user.FirmID, DeviceID: old.DeviceID, Role: user.Role})
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, RefreshToken: plain, ExpiresAt: exp}, nil
}

// Logout revokes the token and any live token for the same (user, device).
func (s *AuthServiceImpl) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.Tokens.Revoke(ctx, pkgcrypto.HashToken(refreshToken))
}

// Authenticate verifies the bearer token and that its device is still approved.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, accessToken string) (token.Principal, error) {
	p, err := s.Issuer.Verify(accessToken)
	if err != nil {
		return token.Principal{}, err
	}
	user, err := s.Users.GetByID(ctx, p.UserID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return token.Principal{}, errs.ErrAuthFailed
	case err != nil:
		return token.Principal{}, err
	case !user.Active || user.FirmID != p.FirmID:
		return token.Principal{}, errs.ErrAuthFailed
	}
	dev, err := s.Devices.Get(ctx, p.FirmID, p.DeviceID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return token.Principal{}, errs.ErrAuthFailed
	case err != nil:
		return token.Principal{}, err
	case !dev.Usable():
		return token.Principal{}, errs.ErrDeviceNotApproved
	}
	if err := s.Devices.Touch(ctx, p.FirmID, p.DeviceID); err != nil {
		s.Log.Warn("touch device", zap.String("device", p.DeviceID), zap.Error(err))
	}
	return p, nil
}
