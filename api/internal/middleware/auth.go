package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"kaapeh-copiloto/shared/authx"
	"kaapeh-copiloto/shared/httpx"
	"kaapeh-copiloto/shared/logx"
)

// TokenVerifier is satisfied by *authx.TokenIssuer.
type TokenVerifier interface {
	Verify(rawToken string) (authx.AuthContext, error)
}

// AuthMiddleware gates a handler on a valid bearer token and, when
// RequiredRole is set, on the caller's role.
type AuthMiddleware struct {
	Verifier     TokenVerifier
	RequiredRole string
	Logger       logx.Logger
	Skip         func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		token, err := authx.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			m.reject(w, r, err)
			return
		}
		auth, err := m.Verifier.Verify(token)
		if err != nil {
			m.reject(w, r, err)
			return
		}
		httpx.PublishAuth(r.Context(), auth)

		if m.RequiredRole != "" && auth.Role != m.RequiredRole {
			m.reject(w, r, authx.ErrForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
	})
}

func (m AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token"
	switch {
	case errors.Is(err, authx.ErrMissingToken):
		code, msg = "UNAUTHENTICATED", "missing bearer token"
	case errors.Is(err, authx.ErrForbidden):
		status, code, msg = http.StatusForbidden, "FORBIDDEN", "technician role required"
	}
	m.Logger.Warn(r.Context(), "auth_rejected", msg,
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error_code", code),
	)
	httpx.WriteError(w, r, status, code, msg, nil)
}
