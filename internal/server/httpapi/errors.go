package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/convert"
	"github.com/and161185/lexsync/internal/errs"
)

// statusFor maps a service error to an HTTP status and wire kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrAuthFailed):
		return http.StatusUnauthorized, "AuthFailed"
	case errors.Is(err, errs.ErrDeviceNotApproved):
		return http.StatusForbidden, "DeviceNotApproved"
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "RateLimited"
	case errors.Is(err, errs.ErrJoinCodeInvalid):
		return http.StatusBadRequest, "JoinCodeInvalid"
	case errors.Is(err, errs.ErrUnknownTable):
		return http.StatusBadRequest, "UnknownTable"
	case errors.Is(err, errs.ErrMalformedPayload):
		return http.StatusBadRequest, "MalformedPayload"
	default:
		return http.StatusInternalServerError, "PermanentServerError"
	}
}

// messageFor returns the client-facing text. Internal errors never leak.
func messageFor(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal server error"
	case http.StatusUnauthorized:
		return "authentication failed"
	case http.StatusTooManyRequests:
		return "too many failed attempts, try again later"
	default:
		return err.Error()
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, convert.ErrorResponse{Error: kind, Message: messageFor(status, err)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, convert.ErrorResponse{Error: "MalformedPayload", Message: msg})
}
