package httpapi

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/convert"
	"github.com/and161185/lexsync/internal/errs"
)

// DeviceHeader optionally echoes the device id of the bearer token.
const DeviceHeader = "X-Device-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Logging writes one access log line per request.
func Logging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		// metadata only, never bodies
		log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

// Recover turns a handler panic into a 500.
func Recover(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Error("panic",
					zap.Any("reason", v),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, convert.ErrorResponse{Error: "PermanentServerError", Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(v[7:])
	return t, t != ""
}

// requireAuth verifies the bearer token and puts the principal in context.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			h.fail(w, r, errs.ErrAuthFailed)
			return
		}
		p, err := h.auth.Authenticate(r.Context(), raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if d := strings.TrimSpace(r.Header.Get(DeviceHeader)); d != "" && d != p.DeviceID {
			h.fail(w, r, errs.ErrAuthFailed)
			return
		}
		next(w, r.WithContext(WithPrincipal(r.Context(), p)))
	}
}
