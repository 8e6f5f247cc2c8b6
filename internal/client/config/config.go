// Package config persists the client's settings and credentials as a JSON
// blob under the XDG config directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/and161185/lexsync/internal/model"
)

// DefaultAutoSync is the background sync interval when none is configured.
const DefaultAutoSync = 60 * time.Second

// Config is the persisted blob. The cursor of record lives in the local
// database; LastRevision only mirrors it.
type Config struct {
	ServerURL       string    `json:"server_url"`
	DeviceID        string    `json:"device_id"`
	AccessToken     string    `json:"access_token,omitempty"`
	RefreshToken    string    `json:"refresh_token,omitempty"`
	AccessExpiresAt time.Time `json:"access_expires_at,omitempty"`
	FirmID          string    `json:"firm_id,omitempty"`
	FirmName        string    `json:"firm_name,omitempty"`
	FirmHandle      string    `json:"firm_handle,omitempty"`
	Username        string    `json:"username,omitempty"`
	LastRevision    int64     `json:"last_revision"`
	LastSyncAt      time.Time `json:"last_sync_at,omitempty"`
	AutoSync        Duration  `json:"auto_sync_interval,omitempty"`
	DBPath          string    `json:"db_path,omitempty"`
	FirmKey         []byte    `json:"firm_key,omitempty"`
	FirmKeyVersion  int       `json:"firm_key_version,omitempty"`
}

// Interval returns the auto-sync interval or the default.
func (c Config) Interval() time.Duration {
	if c.AutoSync <= 0 {
		return DefaultAutoSync
	}
	return time.Duration(c.AutoSync)
}

// Duration is a time.Duration stored as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

// UnmarshalJSON accepts "90s" style strings or plain seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("auto_sync_interval: %w", err)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("auto_sync_interval: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Dir is $XDG_CONFIG_HOME/lexsync, falling back to ~/.config/lexsync.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "lexsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lexsync")
}

// DefaultPath is the blob location inside Dir.
func DefaultPath() string { return filepath.Join(Dir(), "config.json") }

// DefaultDBPath is the replica location inside Dir.
func DefaultDBPath() string { return filepath.Join(Dir(), "replica.db") }

// Load reads the blob at path. A missing file yields a zero Config.
func Load(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Save writes c atomically with owner-only permissions.
func Save(path string, c Config) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return multierr.Append(err, f.Close())
	}
	if err := f.Chmod(0o600); err != nil {
		return multierr.Append(err, f.Close())
	}
	if err := multierr.Append(f.Sync(), f.Close()); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Store is a Config shared by the CLI, the transport and the driver. Every
// change is saved immediately.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// Open loads the blob at path ("" for DefaultPath).
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: c}, nil
}

// Path returns the blob location.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current config.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update applies fn and saves. The in-memory copy is unchanged if saving fails.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	fn(&next)
	if err := Save(s.path, next); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.cfg = next
	return nil
}

// Tokens implements transport.TokenStore.
func (s *Store) Tokens() model.Tokens {
	c := s.Get()
	return model.Tokens{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken, ExpiresAt: c.AccessExpiresAt}
}

// SetTokens implements transport.TokenStore.
func (s *Store) SetTokens(t model.Tokens) error {
	return s.Update(func(c *Config) {
		c.AccessToken, c.RefreshToken, c.AccessExpiresAt = t.AccessToken, t.RefreshToken, t.ExpiresAt
	})
}

// MirrorCursor records the cursor and time of the last committed cycle.
func (s *Store) MirrorCursor(rev int64, at time.Time) error {
	return s.Update(func(c *Config) {
		c.LastRevision, c.LastSyncAt = rev, at.UTC()
	})
}
