package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/accounts"
	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/diagnoses"
	"kaapeh-copiloto/api/internal/ingest"
	"kaapeh-copiloto/api/internal/metrics"
	"kaapeh-copiloto/api/internal/middleware"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/api/internal/snapshots"
	"kaapeh-copiloto/shared/authx"
	"kaapeh-copiloto/shared/httpx"
	"kaapeh-copiloto/shared/logx"
)

const syncMaxBodyBytes = 4 << 20

type SyncService interface {
	Sync(ctx context.Context, inputs []ingest.EventInput) (int, error)
}

type MetricsService interface {
	Compute(ctx context.Context, days int) (metrics.Result, error)
}

type AnalyticsService interface {
	FrequentIssues(ctx context.Context, limit int, days int) (analytics.FrequentIssues, error)
	Categories(ctx context.Context) (analytics.CategoryDistribution, error)
	Heatmap(ctx context.Context) (analytics.Heatmap, error)
	Trends(ctx context.Context, days int, interval string) (analytics.Trend, error)
	FeedbackAnalysis(ctx context.Context) (analytics.FeedbackAnalysis, error)
	ActiveUsers(ctx context.Context, limit int) (analytics.ActiveUsers, error)
}

type AccountsService interface {
	Login(ctx context.Context, username string) (accounts.AuthResult, error)
	Register(ctx context.Context, in accounts.RegisterInput) (accounts.AuthResult, error)
	Accessibility(ctx context.Context, userID uuid.UUID) (models.AccessibilityConfig, error)
	UpdateAccessibility(ctx context.Context, userID uuid.UUID, patch accounts.AccessibilityPatch) (models.AccessibilityConfig, error)
}

type DiagnosesService interface {
	RecordFeedback(ctx context.Context, diagnosisID uuid.UUID, in diagnoses.FeedbackInput) (models.DiagnosisEvent, error)
	CreateActionItem(ctx context.Context, diagnosisID uuid.UUID, description string) (models.ActionItem, error)
	UpdateActionItem(ctx context.Context, itemID uuid.UUID, completed *bool) (models.ActionItem, error)
	ListActionItems(ctx context.Context, diagnosisID uuid.UUID) ([]models.ActionItem, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]models.DiagnosisEvent, error)
	CreateForUser(ctx context.Context, userID uuid.UUID, in ingest.EventInput) (models.DiagnosisEvent, error)
}

type SnapshotService interface {
	Take(ctx context.Context, days int) (models.MetricsSnapshot, error)
	Latest(ctx context.Context) (models.MetricsSnapshot, error)
}

// API holds the route dependencies. Ping reports store health for GET
// /health.
type API struct {
	Prefix    string
	Version   string
	Logger    logx.Logger
	Verifier  middleware.TokenVerifier
	Sync      SyncService
	Metrics   MetricsService
	Analytics AnalyticsService
	Accounts  AccountsService
	Diagnoses DiagnosesService
	Snapshots SnapshotService
	Ping      func(ctx context.Context) error
	Now       func() time.Time
}

// HealthPath is the prefixed health route; it must bypass the DB gate.
func (a *API) HealthPath() string {
	return a.prefix() + "/health"
}

func (a *API) prefix() string {
	p := strings.TrimRight(strings.TrimSpace(a.Prefix), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (a *API) Register(mux *http.ServeMux) {
	p := a.prefix()
	tech := func(h http.HandlerFunc) http.Handler {
		return middleware.AuthMiddleware{
			Verifier:     a.Verifier,
			RequiredRole: authx.RoleTechnician,
			Logger:       a.Logger,
		}.Wrap(h)
	}

	mux.HandleFunc("GET "+p+"/health", a.health)

	mux.HandleFunc("POST "+p+"/auth/login", a.login)
	mux.HandleFunc("POST "+p+"/auth/register", a.register)

	mux.HandleFunc("POST "+p+"/sync", a.sync)
	mux.HandleFunc("PATCH "+p+"/diagnoses/{id}/feedback", a.recordFeedback)
	mux.HandleFunc("POST "+p+"/diagnoses/{id}/action-items", a.createActionItem)
	mux.HandleFunc("GET "+p+"/diagnoses/{id}/action-items", a.listActionItems)
	mux.HandleFunc("PATCH "+p+"/action-items/{id}", a.updateActionItem)

	mux.HandleFunc("GET "+p+"/users/{id}/accessibility", a.getAccessibility)
	mux.HandleFunc("PUT "+p+"/users/{id}/accessibility", a.putAccessibility)
	mux.HandleFunc("GET "+p+"/users/{id}/diagnoses", a.userDiagnoses)
	mux.HandleFunc("POST "+p+"/users/{id}/diagnoses", a.createUserDiagnosis)

	mux.Handle("GET "+p+"/metrics", tech(a.metrics))
	mux.Handle("GET "+p+"/metrics/categories", tech(a.categories))
	mux.Handle("POST "+p+"/metrics/snapshots", tech(a.takeSnapshot))
	mux.Handle("GET "+p+"/metrics/snapshots/latest", tech(a.latestSnapshot))

	mux.Handle("GET "+p+"/analytics/frequent-issues", tech(a.frequentIssues))
	mux.Handle("GET "+p+"/analytics/heatmap", tech(a.heatmap))
	mux.Handle("GET "+p+"/analytics/trends", tech(a.trends))
	mux.Handle("GET "+p+"/analytics/feedback-analysis", tech(a.feedbackAnalysis))
	mux.Handle("GET "+p+"/analytics/active-users", tech(a.activeUsers))
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Version: a.Version, Database: "ok", Timestamp: a.now()}
	if a.Ping == nil {
		resp.Status, resp.Database = "degraded", "not_configured"
		httpx.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := a.Ping(r.Context()); err != nil {
		a.Logger.Warn(r.Context(), "health_degraded", "database ping failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		resp.Status, resp.Database = "degraded", "unavailable"
		httpx.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type loginRequest struct {
	Username string `json:"username"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, httpx.DefaultMaxBodyBytes, &req) {
		return
	}
	res, err := a.Accounts.Login(r.Context(), req.Username)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req accounts.RegisterInput
	if !a.decode(w, r, httpx.DefaultMaxBodyBytes, &req) {
		return
	}
	res, err := a.Accounts.Register(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

type syncRequest struct {
	Diagnoses []ingest.EventInput `json:"diagnoses"`
}

type syncResponse struct {
	Message     string `json:"message"`
	SyncedCount int    `json:"synced_count"`
}

func (a *API) sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !a.decodeEvents(w, r, syncMaxBodyBytes, &req) {
		return
	}
	n, err := a.Sync.Sync(r.Context(), req.Diagnoses)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, syncResponse{
		Message:     "Successfully synced " + strconv.Itoa(n) + " diagnoses",
		SyncedCount: n,
	})
}

func (a *API) recordFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req diagnoses.FeedbackInput
	if !a.decode(w, r, httpx.DefaultMaxBodyBytes, &req) {
		return
	}
	d, err := a.Diagnoses.RecordFeedback(r.Context(), id, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

type createActionItemRequest struct {
	Description string `json:"description"`
}

func (a *API) createActionItem(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req createActionItemRequest
	if !a.decode(w, r, httpx.DefaultMaxBodyBytes, &req) {
		return
	}
	item, err := a.Diagnoses.CreateActionItem(r.Context(), id, req.Description)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, item)
}

type actionItemsResponse struct {
	DiagnosisID uuid.UUID           `json:"diagnosis_id"`
	Total       int                 `json:"total"`
	ActionItems []models.ActionItem `json:"action_items"`
}

func (a *API) listActionItems(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	items, err := a.Diagnoses.ListActionItems(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, actionItemsResponse{DiagnosisID: id, Total: len(items), ActionItems: items})
}

type updateActionItemRequest struct {
	IsCompleted *bool `json:"is_completed"`
}

func (a *API) updateActionItem(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req updateActionItemRequest
	if !a.decode(w, r, httpx.DefaultMaxBodyBytes, &req) {
		return
	}
	item, err := a.Diagnoses.UpdateActionItem(r.Context(), id, req.IsCompleted)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, item)
}

func (a *API) getAccessibility(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	cfg, err := a.Accounts.Accessibility(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

func (a *API) putAccessibility(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req accounts.AccessibilityPatch
	if !a.decode(w, r, httpx.DefaultMaxBodyBytes, &req) {
		return
	}
	cfg, err := a.Accounts.UpdateAccessibility(r.Context(), id, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

type historyResponse struct {
	UserID    uuid.UUID               `json:"user_id"`
	Total     int                     `json:"total"`
	Diagnoses []models.DiagnosisEvent `json:"diagnoses"`
}

func (a *API) userDiagnoses(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	limit, ok := a.intQuery(w, r, "limit")
	if !ok {
		return
	}
	list, err := a.Diagnoses.History(r.Context(), id, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, historyResponse{UserID: id, Total: len(list), Diagnoses: list})
}

func (a *API) createUserDiagnosis(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req ingest.EventInput
	if !a.decodeEvents(w, r, httpx.DefaultMaxBodyBytes, &req) {
		return
	}
	d, err := a.Diagnoses.CreateForUser(r.Context(), id, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, d)
}

func (a *API) metrics(w http.ResponseWriter, r *http.Request) {
	days, ok := a.intQuery(w, r, "days")
	if !ok {
		return
	}
	res, err := a.Metrics.Compute(r.Context(), days)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) categories(w http.ResponseWriter, r *http.Request) {
	res, err := a.Analytics.Categories(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	days, ok := a.intQuery(w, r, "days")
	if !ok {
		return
	}
	snap, err := a.Snapshots.Take(r.Context(), days)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, snap)
}

func (a *API) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Snapshots.Latest(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (a *API) frequentIssues(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.intQuery(w, r, "limit")
	if !ok {
		return
	}
	days, ok := a.intQuery(w, r, "days")
	if !ok {
		return
	}
	res, err := a.Analytics.FrequentIssues(r.Context(), limit, days)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) heatmap(w http.ResponseWriter, r *http.Request) {
	res, err := a.Analytics.Heatmap(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) trends(w http.ResponseWriter, r *http.Request) {
	days, ok := a.intQuery(w, r, "days")
	if !ok {
		return
	}
	interval := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("interval")))
	res, err := a.Analytics.Trends(r.Context(), days, interval)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) feedbackAnalysis(w http.ResponseWriter, r *http.Request) {
	res, err := a.Analytics.FeedbackAnalysis(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) activeUsers(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.intQuery(w, r, "limit")
	if !ok {
		return
	}
	res, err := a.Analytics.ActiveUsers(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	return a.decodeWith(httpx.DecodeJSON, w, r, maxBytes, dst)
}

// decodeEvents reads diagnosis payloads from the mobile app. Older app
// builds send extra per-event fields, so unknown fields are ignored.
func (a *API) decodeEvents(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	return a.decodeWith(httpx.DecodeJSONLenient, w, r, maxBytes, dst)
}

func (a *API) decodeWith(decode func(http.ResponseWriter, *http.Request, int64, any) error, w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	if err := decode(w, r, maxBytes, dst); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", err.Error(), nil)
			return false
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return false
	}
	return true
}

func (a *API) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid id", map[string]any{"field": "id"})
		return uuid.Nil, false
	}
	return id, true
}

// intQuery reads an optional integer parameter; absent means 0.
func (a *API) intQuery(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", name+" must be an integer", map[string]any{"field": name})
		return 0, false
	}
	return v, true
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ingest.ValidationError
	var perr *analytics.ParamError
	switch {
	case errors.As(err, &verr):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", verr.Error(), map[string]any{"problems": verr.Problems})
	case errors.As(err, &perr):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", perr.Error(), map[string]any{"field": perr.Field})
	case errors.Is(err, metrics.ErrInvalidWindow):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), map[string]any{"field": "days"})
	case errors.Is(err, diagnoses.ErrInvalidArgument), errors.Is(err, accounts.ErrInvalidArgument):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, diagnoses.ErrNotFound), errors.Is(err, accounts.ErrNotFound), errors.Is(err, snapshots.ErrNoSnapshot):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, accounts.ErrUserExists):
		httpx.WriteError(w, r, http.StatusConflict, "ALREADY_EXISTS", err.Error(), nil)
	case errors.Is(err, diagnoses.ErrFeedbackRecorded), errors.Is(err, diagnoses.ErrInvalidTransition):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "request timed out", nil)
	default:
		a.Logger.Error(r.Context(), "request_failed", "request failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}
