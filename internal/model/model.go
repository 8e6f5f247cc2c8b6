// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Op is a replicated mutation kind.
type Op string

// Supported operations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the three replicated operations.
func (op Op) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Tokens collects issued access/refresh tokens.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry
}

// Firm is the tenant boundary.
type Firm struct {
	ID                    uuid.UUID
	Handle                string // case-folded login handle, unique
	Name                  string
	WrappedKey            []byte // firm key sealed with the server master key; empty if none
	KeyVersion            int
	RequireDeviceApproval bool
	CreatedAt             time.Time
}

// User is a member of exactly one firm.
type User struct {
	ID           uuid.UUID
	FirmID       uuid.UUID
	Username     string // case-folded, unique within firm
	PasswordHash string // encoded argon2id
	Role         string
	Active       bool
	CreatedAt    time.Time
}

// Device is a client installation bound to a firm.
type Device struct {
	FirmID     uuid.UUID
	DeviceID   string
	Approved   bool
	Revoked    bool
	Descriptor json.RawMessage
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// Usable reports whether the device may access the firm namespace.
func (d Device) Usable() bool { return d.Approved && !d.Revoked }

// JoinCode enrolls devices into a firm.
type JoinCode struct {
	Code      string
	FirmID    uuid.UUID
	MaxUses   int
	UseCount  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// RefreshToken is a long-lived per-device credential; only its hash is stored.
type RefreshToken struct {
	TokenHash string
	UserID    uuid.UUID
	DeviceID  string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Enrollment is the outcome of a consumed join code.
type Enrollment struct {
	FirmID   uuid.UUID
	FirmName string
	Approved bool
}

// SyncRecord is the authoritative server-side row for a replicated unit.
type SyncRecord struct {
	FirmID          uuid.UUID
	RecordID        uuid.UUID
	Table           string
	Payload         json.RawMessage // JSON object; nil for tombstones written without data
	Revision        int64
	CreatedRevision int64
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CreatedByDevice string
	UpdatedByDevice string
}

// SyncRecordWrite is an accepted change ready to be stored.
type SyncRecordWrite struct {
	RecordID uuid.UUID
	Table    string
	Payload  json.RawMessage
	Deleted  bool
	Revision int64
	ByDevice string
}

// ChangeProposal is one client-side mutation in a sync request.
type ChangeProposal struct {
	Table    string
	Op       Op
	RecordID string // raw; parsed by the service so bad ids become per-item errors
	Data     json.RawMessage
}

// Change is one authoritative record state returned to a client.
type Change struct {
	Table     string
	Op        Op
	RecordID  uuid.UUID
	Data      json.RawMessage
	Revision  int64
	UpdatedAt time.Time
}

// ItemError reports a per-change failure that did not abort the batch.
type ItemError struct {
	RecordID string
	Table    string
	Err      error
}

// SyncRequest is the combined push/pull request.
type SyncRequest struct {
	DeviceID         string
	LastSyncRevision int64
	Changes          []ChangeProposal
}

// SyncSummary counts what happened to a batch.
type SyncSummary struct {
	Received  int
	Applied   int
	Inserted  int
	Updated   int
	Deleted   int
	Recovered int // insert-on-present / update-on-missing resolved silently
	Rejected  int
	Returned  int
}

// SyncResult is the combined push/pull response.
type SyncResult struct {
	NewRevision int64
	Changes     []Change
	Errors      []ItemError
	Summary     SyncSummary
}
