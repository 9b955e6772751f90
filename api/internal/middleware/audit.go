package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/shared/httpx"
	"kaapeh-copiloto/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

// AuditMiddleware records mutating requests and rejected auth. The write
// happens after the response, in its own goroutine.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if !shouldAudit(r, sw.status) {
			return
		}

		entry := auditEntry(r, sw.status, time.Since(start))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
				m.Logger.Warn(ctx, "audit_write_failed", "audit write failed",
					slog.String("request_id", entry.RequestID),
					slog.String("action", entry.Action),
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func shouldAudit(r *http.Request, status int) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func auditEntry(r *http.Request, status int, elapsed time.Duration) models.AuditLog {
	segments := resourceSegments(r.URL.Path)
	entry := models.AuditLog{
		OccurredAt: time.Now().UTC(),
		Action:     auditAction(r.Method, segments, status),
		RequestID:  httpx.RequestIDFromContext(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		DurationMS: elapsed.Milliseconds(),
		ClientIP:   httpx.ClientIP(r),
		UserAgent:  strings.TrimSpace(r.UserAgent()),
		Details:    auditDetails(r, status),
	}
	if len(segments) > 0 {
		resource := segments[0]
		entry.ResourceType = &resource
		if len(segments) > 1 && idResources[resource] {
			id := segments[1]
			entry.ResourceID = &id
		}
	}
	if auth, ok := httpx.PublishedAuth(r.Context()); ok {
		if auth.UserID != uuid.Nil {
			userID := auth.UserID
			entry.ActorUserID = &userID
		}
		entry.ActorRole = auth.Role
	}
	return entry
}

// knownResources are the first path segments under the API prefix.
var knownResources = map[string]bool{
	"sync":         true,
	"auth":         true,
	"diagnoses":    true,
	"action-items": true,
	"users":        true,
	"metrics":      true,
	"analytics":    true,
}

// idResources take an id as their second segment.
var idResources = map[string]bool{
	"diagnoses":    true,
	"action-items": true,
	"users":        true,
}

// routeActions names the mutating routes. Id segments are written as {id}.
var routeActions = map[string]string{
	"POST sync":                        "diagnosis.sync",
	"POST auth/login":                  "auth.login",
	"POST auth/register":               "auth.register",
	"PATCH diagnoses/{id}/feedback":    "diagnosis.feedback",
	"POST diagnoses/{id}/action-items": "action_item.create",
	"PATCH action-items/{id}":          "action_item.update",
	"PUT users/{id}/accessibility":     "accessibility.update",
	"POST users/{id}/diagnoses":        "diagnosis.create",
	"POST metrics/snapshots":           "snapshot.create",
}

// resourceSegments drops everything before the first known resource, e.g.
// /api/v1/diagnoses/{id}/feedback -> [diagnoses {id} feedback].
func resourceSegments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if knownResources[part] {
			return parts[i:]
		}
	}
	return nil
}

func auditAction(method string, segments []string, status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "auth_failed"
	case http.StatusForbidden:
		return "access_denied"
	}
	if len(segments) > 0 {
		shape := append([]string(nil), segments...)
		if len(shape) > 1 && idResources[shape[0]] {
			shape[1] = "{id}"
		}
		if action, ok := routeActions[method+" "+strings.Join(shape, "/")]; ok {
			return action
		}
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

func auditDetails(r *http.Request, status int) []byte {
	details := map[string]any{"status_code": status}
	switch {
	case status >= 500:
		details["outcome"] = "error"
	case status >= 400:
		details["outcome"] = "rejected"
	default:
		details["outcome"] = "ok"
	}
	if q := r.URL.RawQuery; q != "" {
		details["query"] = q
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}
