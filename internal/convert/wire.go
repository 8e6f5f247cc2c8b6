// Package convert holds the JSON wire types of the HTTP API and their mapping
// to domain models. Both the server handlers and the client transport use it.
package convert

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// --- enrollment / auth ---

type EnrollRequest struct {
	JoinCode         string          `json:"join_code"`
	DeviceID         string          `json:"device_id"`
	DeviceDescriptor json.RawMessage `json:"device_descriptor,omitempty"`
}

type EnrollResponse struct {
	FirmID   uuid.UUID `json:"firm_id"`
	FirmName string    `json:"firm_name"`
	Approved bool      `json:"approved"`
}

type LoginRequest struct {
	FirmHandle string `json:"firm_handle"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id"`
}

type LoginResponse struct {
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	ExpiresIn      int64     `json:"expires_in"` // seconds
	UserID         uuid.UUID `json:"user_id"`
	FirmID         uuid.UUID `json:"firm_id"`
	Role           string    `json:"role"`
	FirmKey        []byte    `json:"firm_key,omitempty"` // base64 in JSON
	FirmKeyVersion int       `json:"firm_key_version,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// --- sync ---

type ChangeIn struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	UUID  string          `json:"uuid"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SyncRequest struct {
	DeviceID         string     `json:"device_id"`
	LastSyncRevision int64      `json:"last_sync_revision"`
	Changes          []ChangeIn `json:"changes"`
}

type ChangeOut struct {
	Table     string          `json:"table"`
	Op        string          `json:"op"`
	UUID      uuid.UUID       `json:"uuid"`
	Data      json.RawMessage `json:"data"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ItemError struct {
	UUID    string `json:"uuid"`
	Table   string `json:"table"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Summary struct {
	Received  int `json:"received"`
	Applied   int `json:"applied"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Recovered int `json:"recovered"`
	Rejected  int `json:"rejected"`
	Returned  int `json:"returned"`
}

type SyncResponse struct {
	Success     bool        `json:"success"`
	NewRevision int64       `json:"new_revision"`
	Changes     []ChangeOut `json:"changes"`
	Errors      []ItemError `json:"errors"`
	Summary     Summary     `json:"summary"`
}
