// Package token issues and verifies HS256 access tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/lexsync/internal/errs"
)

// Claims carried by an access token.
type Claims struct {
	FirmID   string `json:"fid"`
	DeviceID string `json:"did"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the verified identity behind a request.
type Principal struct {
	UserID   uuid.UUID
	FirmID   uuid.UUID
	DeviceID string
	Role     string
}

// Issuer signs and verifies access tokens with a shared key.
type Issuer struct {
	key    []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer. An empty key is rejected.
func NewIssuer(key []byte, ttl time.Duration) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("empty jwt signing key")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{key: key, ttl: ttl, leeway: 30 * time.Second, now: time.Now}, nil
}

// TTL is the access token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue creates a signed token for p.
func (i *Issuer) Issue(p Principal) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		FirmID:   p.FirmID.String(),
		DeviceID: p.DeviceID,
		Role:     p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses raw and returns its principal. Every failure maps to errs.ErrAuthFailed.
func (i *Issuer) Verify(raw string) (Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithLeeway(i.leeway), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", errs.ErrAuthFailed)
	}

	uid, err := uuid.FromString(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: bad subject", errs.ErrAuthFailed)
	}
	fid, err := uuid.FromString(claims.FirmID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: bad firm claim", errs.ErrAuthFailed)
	}
	if claims.DeviceID == "" {
		return Principal{}, fmt.Errorf("%w: missing device claim", errs.ErrAuthFailed)
	}
	return Principal{UserID: uid, FirmID: fid, DeviceID: claims.DeviceID, Role: claims.Role}, nil
}
