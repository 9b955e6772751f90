package middleware

import (
	"net/http"
	"strconv"
	"time"

	"kaapeh-copiloto/shared/httpx"
)

// DBRequiredMiddleware answers 503 for every route that needs Postgres
// while no pool is available. Probes pass through via Skip.
type DBRequiredMiddleware struct {
	Available  func() bool
	Skip       func(*http.Request) bool
	RetryAfter time.Duration
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	retry := m.RetryAfter
	if retry <= 0 {
		retry = 5 * time.Second
	}
	retryHeader := strconv.Itoa(int(retry.Seconds()))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip == nil || !m.Skip(r) {
			if m.Available == nil || !m.Available() {
				w.Header().Set("Retry-After", retryHeader)
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database unavailable", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
