package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"}
	defaultCORSHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	// The dashboard correlates failures by request id and backs off on 429.
	defaultCORSExposed = []string{"X-Request-ID", "Retry-After"}
)

// CORSMiddleware lets the technician dashboard call the API from its own
// origin. Entries in AllowedOrigins are exact origins, "*", or a subdomain
// wildcard such as "https://*.kaapeh.mx". An empty list allows any origin.
type CORSMiddleware struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
	Skip             func(*http.Request) bool
}

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	methods := strings.Join(orDefault(m.AllowedMethods, defaultCORSMethods), ", ")
	headers := strings.Join(orDefault(m.AllowedHeaders, defaultCORSHeaders), ", ")
	exposed := strings.Join(orDefault(m.ExposedHeaders, defaultCORSExposed), ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed, ok := m.match(origin)
		if ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Add("Vary", "Origin")
			if m.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if !preflight {
				h.Set("Access-Control-Expose-Headers", exposed)
			}
		}

		if !preflight {
			next.ServeHTTP(w, r)
			return
		}
		if ok {
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if secs := int(m.MaxAge.Seconds()); secs > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(secs))
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// match returns the Access-Control-Allow-Origin value for origin.
func (m CORSMiddleware) match(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	wildcard := len(m.AllowedOrigins) == 0
	for _, pattern := range m.AllowedOrigins {
		pattern = strings.TrimSpace(pattern)
		switch {
		case pattern == "":
		case pattern == "*":
			wildcard = true
		case strings.EqualFold(pattern, origin):
			return origin, true
		case matchSubdomain(pattern, origin):
			return origin, true
		}
	}
	if !wildcard {
		return "", false
	}
	if m.AllowCredentials {
		return origin, true
	}
	return "*", true
}

// matchSubdomain reports whether origin matches "scheme://*.domain". The
// bare domain itself does not match.
func matchSubdomain(pattern string, origin string) bool {
	scheme, rest, ok := strings.Cut(pattern, "://*.")
	if !ok {
		return false
	}
	prefix := strings.ToLower(scheme + "://")
	origin = strings.ToLower(origin)
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	host := strings.TrimPrefix(origin, prefix)
	suffix := "." + strings.ToLower(rest)
	return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
}

func orDefault(values []string, fallback []string) []string {
	if len(values) > 0 {
		return values
	}
	return fallback
}
