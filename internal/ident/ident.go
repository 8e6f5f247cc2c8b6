// Package ident generates record and device identifiers.
package ident

import (
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexsync/internal/errs"
)

// NewRecordID returns a fresh 128-bit record identifier.
func NewRecordID() (uuid.UUID, error) {
	return uuid.NewV4()
}

// NewDeviceID returns a stable device identifier for a first run.
func NewDeviceID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return "dev-" + id.String(), nil
}

// ParseRecordID parses a textual record identifier. The nil UUID is rejected.
func ParseRecordID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record id %q: %w", s, errs.ErrMalformedPayload)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("record id is nil: %w", errs.ErrMalformedPayload)
	}
	return id, nil
}
