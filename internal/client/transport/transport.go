// Package transport is the client side of the HTTP/JSON sync API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/convert"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

// DeviceHeader optionally echoes the device id on authenticated calls.
const DeviceHeader = "X-Device-ID"

// refreshSkew refreshes an access token slightly before it expires.
const refreshSkew = 30 * time.Second

// TokenStore persists credentials between runs.
type TokenStore interface {
	Tokens() model.Tokens
	SetTokens(model.Tokens) error
}

// MemoryTokens is a TokenStore that keeps tokens in memory.
type MemoryTokens struct {
	mu sync.Mutex
	t  model.Tokens
}

// Tokens returns the current tokens.
func (m *MemoryTokens) Tokens() model.Tokens {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// SetTokens replaces the tokens.
func (m *MemoryTokens) SetTokens(t model.Tokens) error {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
	return nil
}

// Client talks to one server.
type Client struct {
	base     *url.URL
	http     *http.Client
	tokens   TokenStore
	deviceID string
	log      *zap.Logger
	now      func() time.Time

	refreshMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Per-call deadlines come
// from the context, so the client itself should carry no timeout.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithDeviceID sets the device id sent in the X-Device-ID header.
func WithDeviceID(id string) Option { return func(c *Client) { c.deviceID = id } }

// New returns a client for baseURL, e.g. "https://sync.example.com".
func New(baseURL string, tokens TokenStore, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if tokens == nil {
		tokens = &MemoryTokens{}
	}
	c := &Client{base: u, http: &http.Client{}, tokens: tokens, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Health probes GET /api/health.
func (c *Client) Health(ctx context.Context) error {
	var out convert.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/api/health", nil, &out, false); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("health status %q: %w", out.Status, errs.ErrTransientTransport)
	}
	return nil
}

// Enroll consumes a join code for this device.
func (c *Client) Enroll(ctx context.Context, req convert.EnrollRequest) (convert.EnrollResponse, error) {
	var out convert.EnrollResponse
	err := c.call(ctx, http.MethodPost, "/api/enroll", req, &out, false)
	return out, err
}

// Login authenticates and stores the issued tokens.
func (c *Client) Login(ctx context.Context, req convert.LoginRequest) (convert.LoginResponse, error) {
	var out convert.LoginResponse
	if err := c.call(ctx, http.MethodPost, "/api/login", req, &out, false); err != nil {
		return convert.LoginResponse{}, err
	}
	err := c.tokens.SetTokens(model.Tokens{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(out.ExpiresIn) * time.Second),
	})
	if err != nil {
		return convert.LoginResponse{}, fmt.Errorf("store tokens: %w", err)
	}
	return out, nil
}

// Refresh rotates the refresh token.
func (c *Client) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) error {
	cur := c.tokens.Tokens()
	if cur.RefreshToken == "" {
		return fmt.Errorf("no refresh token (login required): %w", errs.ErrAuthFailed)
	}
	var out convert.RefreshResponse
	if err := c.call(ctx, http.MethodPost, "/api/refresh", convert.RefreshRequest{RefreshToken: cur.RefreshToken}, &out, false); err != nil {
		if errors.Is(err, errs.ErrAuthFailed) {
			c.forget()
		}
		return err
	}
	return c.tokens.SetTokens(model.Tokens{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(out.ExpiresIn) * time.Second),
	})
}

// Logout revokes the refresh token and forgets local tokens.
func (c *Client) Logout(ctx context.Context) error {
	cur := c.tokens.Tokens()
	if cur.RefreshToken != "" {
		var out convert.OKResponse
		if err := c.call(ctx, http.MethodPost, "/api/logout", convert.LogoutRequest{RefreshToken: cur.RefreshToken}, &out, false); err != nil {
			return err
		}
	}
	return c.tokens.SetTokens(model.Tokens{})
}

// Sync performs one push/pull round trip.
func (c *Client) Sync(ctx context.Context, req model.SyncRequest) (model.SyncResult, error) {
	body := convert.SyncRequest{
		DeviceID:         req.DeviceID,
		LastSyncRevision: req.LastSyncRevision,
		Changes:          convert.FromModelProposals(req.Changes),
	}
	var out convert.SyncResponse
	if err := c.call(ctx, http.MethodPost, "/api/sync", body, &out, true); err != nil {
		return model.SyncResult{}, err
	}
	return convert.ToModelSyncResult(out)
}

// call sends one request. Authenticated calls refresh an expiring token first
// and retry once after a 401.
func (c *Client) call(ctx context.Context, method, path string, in, out any, auth bool) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	if !auth {
		_, err := c.do(ctx, method, path, payload, out, "")
		return err
	}

	tok := c.tokens.Tokens()
	if tok.AccessToken == "" || (!tok.ExpiresAt.IsZero() && c.now().Add(refreshSkew).After(tok.ExpiresAt)) {
		if err := c.refreshIfUnchanged(ctx, tok.AccessToken); err != nil {
			return err
		}
		tok = c.tokens.Tokens()
	}
	status, err := c.do(ctx, method, path, payload, out, tok.AccessToken)
	if status != http.StatusUnauthorized {
		return err
	}
	c.log.Debug("access token rejected, refreshing", zap.String("path", path))
	if err := c.refreshIfUnchanged(ctx, tok.AccessToken); err != nil {
		return err
	}
	status, err = c.do(ctx, method, path, payload, out, c.tokens.Tokens().AccessToken)
	if status == http.StatusUnauthorized {
		c.forget()
	}
	return err
}

// forget drops credentials the server no longer accepts.
func (c *Client) forget() {
	c.log.Warn("credentials rejected, login required")
	if err := c.tokens.SetTokens(model.Tokens{}); err != nil {
		c.log.Error("clear tokens", zap.Error(err))
	}
}

// refreshIfUnchanged skips the refresh when another caller already replaced stale.
func (c *Client) refreshIfUnchanged(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if cur := c.tokens.Tokens(); cur.AccessToken != "" && cur.AccessToken != stale {
		return nil
	}
	return c.refreshLocked(ctx)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any, bearer string) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
		if c.deviceID != "" {
			req.Header.Set(DeviceHeader, c.deviceID)
		}
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrTransientTransport)
	}
	defer resp.Body.Close()
	c.log.Debug("http call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", c.now().Sub(start)),
	)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s: %v: %w", path, err, errs.ErrTransientTransport)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %v: %w", path, err, errs.ErrMalformedPayload)
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, statusError(resp.StatusCode, raw)
}

func statusError(status int, raw []byte) error {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("http %d: %w", status, errs.ErrTransientTransport)
	}
	var body convert.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return convert.ErrorFromResponse(body)
	}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("http %d: %w", status, errs.ErrAuthFailed)
	case status == http.StatusForbidden:
		return fmt.Errorf("http %d: %w", status, errs.ErrDeviceNotApproved)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("http %d: %w", status, errs.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("http %d: %w", status, errs.ErrPermanentServer)
	default:
		return fmt.Errorf("http %d: %w", status, errs.ErrMalformedPayload)
	}
}
