// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/transport layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrAuthFailed covers bad credentials, missing/expired/invalid tokens and unknown devices.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDeviceNotApproved indicates the device is enrolled but still waits for approval (or was revoked).
	ErrDeviceNotApproved = errors.New("device not approved")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrJoinCodeInvalid indicates an unknown, expired or exhausted join code.
	ErrJoinCodeInvalid = errors.New("join code invalid")

	// ErrUnknownTable indicates a change targets a table outside the sync whitelist.
	ErrUnknownTable = errors.New("unknown table")

	// ErrMalformedPayload indicates a change with a bad op, record id or data object.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrTransientTransport indicates a timeout, reset or 5xx; the client retries next cycle.
	ErrTransientTransport = errors.New("transient transport failure")

	// ErrPermanentServer indicates the server rolled back on an uncaught failure.
	ErrPermanentServer = errors.New("server error")

	// ErrLocalApply indicates the client merge engine rolled back a batch.
	ErrLocalApply = errors.New("local apply failure")
)

// Kind returns the wire name of a sentinel, or "" when err matches none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownTable):
		return "UnknownTable"
	case errors.Is(err, ErrMalformedPayload):
		return "MalformedPayload"
	case errors.Is(err, ErrAuthFailed):
		return "AuthFailed"
	case errors.Is(err, ErrDeviceNotApproved):
		return "DeviceNotApproved"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrJoinCodeInvalid):
		return "JoinCodeInvalid"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrTransientTransport):
		return "TransientTransport"
	case errors.Is(err, ErrLocalApply):
		return "LocalApplyFailure"
	case errors.Is(err, ErrPermanentServer):
		return "PermanentServerError"
	default:
		return ""
	}
}

// FromKind maps a wire kind back to its sentinel. Unknown kinds map to ErrPermanentServer.
func FromKind(kind string) error {
	switch kind {
	case "UnknownTable":
		return ErrUnknownTable
	case "MalformedPayload":
		return ErrMalformedPayload
	case "AuthFailed":
		return ErrAuthFailed
	case "DeviceNotApproved":
		return ErrDeviceNotApproved
	case "RateLimited":
		return ErrRateLimited
	case "JoinCodeInvalid":
		return ErrJoinCodeInvalid
	case "NotFound":
		return ErrNotFound
	case "AlreadyExists":
		return ErrAlreadyExists
	default:
		return ErrPermanentServer
	}
}
