package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	logx "wabridge/pkg/logx"
)

type ctxKey int

const corrIDKey ctxKey = 1

// CorrelationID returns the request's correlation id.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(corrIDKey).(string); ok {
		return v
	}
	return ""
}

// correlate attaches a correlation id to every request: the caller's
// X-Correlation-ID when present, else a fresh uuid. The id is echoed back
// so callers can stitch their logs to ours.
func (s *Service) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), corrIDKey, id)))
	})
}

// authenticate enforces the bearer token on every protected route. With no
// token configured the API refuses protected requests outright rather than
// running open.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.token()
		if want == "" {
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNCONFIGURED", "no auth token configured", nil)
			return
		}
		got := bearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.log.Warn("unauthorized request",
				logx.String("corr_id", CorrelationID(r.Context())),
				logx.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
