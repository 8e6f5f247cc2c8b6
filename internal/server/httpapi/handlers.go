// Package httpapi serves the JSON sync and authentication API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/convert"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/service"
)

const maxBodyBytes = 64 << 20

// Pinger reports database reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires services into HTTP handlers.
type Handler struct {
	auth service.AuthService
	sync service.SyncService
	db   Pinger
	log  *zap.Logger
	now  func() time.Time
}

// New constructs the API handler.
func New(auth service.AuthService, sync service.SyncService, db Pinger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{auth: auth, sync: sync, db: db, log: log, now: time.Now}
}

// Routes returns the mux wrapped in recovery and access logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("POST /api/enroll", h.enroll)
	mux.HandleFunc("POST /api/login", h.login)
	mux.HandleFunc("POST /api/refresh", h.refresh)
	mux.HandleFunc("POST /api/logout", h.logout)
	mux.HandleFunc("POST /api/sync", h.requireAuth(h.syncChanges))
	return Recover(h.log, Logging(h.log, mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body; on failure it writes the 400 itself.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		writeJSON(w, http.StatusRequestEntityTooLarge, convert.ErrorResponse{Error: "MalformedPayload", Message: "request body too large"})
	case errors.Is(err, io.EOF):
		badRequest(w, "empty request body")
	default:
		badRequest(w, "invalid JSON body")
	}
	return false
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.log.Warn("health: db ping", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, convert.HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, convert.HealthResponse{Status: "ok"})
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	var req convert.EnrollRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.auth.Enroll(r.Context(), req.JoinCode, req.DeviceID, req.DeviceDescriptor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.EnrollResponse{FirmID: res.FirmID, FirmName: res.FirmName, Approved: res.Approved})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req convert.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.auth.Login(r.Context(), service.LoginInput{
		FirmHandle: req.FirmHandle,
		Username:   req.Username,
		Password:   req.Password,
		DeviceID:   req.DeviceID,
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.LoginResponseFrom(res.Tokens, res.User, res.FirmKey, res.KeyVersion, h.now()))
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req convert.RefreshRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.RefreshResponseFrom(t, h.now()))
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req convert.LogoutRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.OKResponse{OK: true})
}

func (h *Handler) syncChanges(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		h.fail(w, r, errs.ErrAuthFailed)
		return
	}
	var req convert.SyncRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.sync.Sync(r.Context(), p, convert.ToModelSyncRequest(req))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.FromModelSyncResult(res))
}
