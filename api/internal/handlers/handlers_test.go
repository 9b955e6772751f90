package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/accounts"
	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/diagnoses"
	"kaapeh-copiloto/api/internal/ingest"
	"kaapeh-copiloto/api/internal/metrics"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/api/internal/snapshots"
	"kaapeh-copiloto/shared/authx"
	"kaapeh-copiloto/shared/logx"
)

type fakeServices struct {
	synced     []ingest.EventInput
	syncErr    error
	metricsErr error
	days       []int
	loginRes   accounts.AuthResult
	accErr     error
	diagErr    error
	snapErr    error
	trendsErr  error
}

func (f *fakeServices) Sync(_ context.Context, in []ingest.EventInput) (int, error) {
	if f.syncErr != nil {
		return 0, f.syncErr
	}
	if err := ingest.Validate(in); err != nil {
		return 0, err
	}
	f.synced = append(f.synced, in...)
	return len(in), nil
}

func (f *fakeServices) Compute(_ context.Context, days int) (metrics.Result, error) {
	f.days = append(f.days, days)
	if f.metricsErr != nil {
		return metrics.Result{}, f.metricsErr
	}
	return metrics.Result{TPP: 50, CPM: 83, TotalDiagnoses: 15, IssueDistribution: map[string]int{"Roya": 15}, WindowDays: 7}, nil
}

func (f *fakeServices) FrequentIssues(context.Context, int, int) (analytics.FrequentIssues, error) {
	return analytics.FrequentIssues{TotalDiagnoses: 3}, nil
}

func (f *fakeServices) Categories(context.Context) (analytics.CategoryDistribution, error) {
	return analytics.BuildCategoryDistribution(nil, time.Now()), nil
}

func (f *fakeServices) Heatmap(context.Context) (analytics.Heatmap, error) {
	return analytics.Heatmap{}, nil
}

func (f *fakeServices) Trends(_ context.Context, days int, interval string) (analytics.Trend, error) {
	if f.trendsErr != nil {
		return analytics.Trend{}, f.trendsErr
	}
	return analytics.Trend{Interval: interval}, nil
}

func (f *fakeServices) FeedbackAnalysis(context.Context) (analytics.FeedbackAnalysis, error) {
	return analytics.FeedbackAnalysis{}, nil
}

func (f *fakeServices) ActiveUsers(context.Context, int) (analytics.ActiveUsers, error) {
	return analytics.ActiveUsers{}, nil
}

func (f *fakeServices) Login(context.Context, string) (accounts.AuthResult, error) {
	return f.loginRes, f.accErr
}

func (f *fakeServices) Register(context.Context, accounts.RegisterInput) (accounts.AuthResult, error) {
	return f.loginRes, f.accErr
}

func (f *fakeServices) Accessibility(_ context.Context, id uuid.UUID) (models.AccessibilityConfig, error) {
	return models.AccessibilityConfig{UserID: id}, f.accErr
}

func (f *fakeServices) UpdateAccessibility(_ context.Context, id uuid.UUID, p accounts.AccessibilityPatch) (models.AccessibilityConfig, error) {
	return models.AccessibilityConfig{UserID: id, LargeTextEnabled: p.LargeTextEnabled != nil && *p.LargeTextEnabled}, f.accErr
}

func (f *fakeServices) RecordFeedback(_ context.Context, id uuid.UUID, _ diagnoses.FeedbackInput) (models.DiagnosisEvent, error) {
	return models.DiagnosisEvent{DiagnosisID: id}, f.diagErr
}

func (f *fakeServices) CreateActionItem(_ context.Context, id uuid.UUID, desc string) (models.ActionItem, error) {
	return models.ActionItem{DiagnosisID: id, DescriptionText: desc}, f.diagErr
}

func (f *fakeServices) UpdateActionItem(_ context.Context, id uuid.UUID, _ *bool) (models.ActionItem, error) {
	return models.ActionItem{ActionItemID: id, IsCompleted: true}, f.diagErr
}

func (f *fakeServices) ListActionItems(context.Context, uuid.UUID) ([]models.ActionItem, error) {
	return []models.ActionItem{}, f.diagErr
}

func (f *fakeServices) History(context.Context, uuid.UUID, int) ([]models.DiagnosisEvent, error) {
	return []models.DiagnosisEvent{}, f.diagErr
}

func (f *fakeServices) CreateForUser(_ context.Context, id uuid.UUID, _ ingest.EventInput) (models.DiagnosisEvent, error) {
	return models.DiagnosisEvent{UserID: &id}, f.diagErr
}

func (f *fakeServices) Take(context.Context, int) (models.MetricsSnapshot, error) {
	return models.MetricsSnapshot{SnapshotID: uuid.New()}, f.snapErr
}

func (f *fakeServices) Latest(context.Context) (models.MetricsSnapshot, error) {
	return models.MetricsSnapshot{}, f.snapErr
}

type harness struct {
	fake    *fakeServices
	handler http.Handler
	issuer  *authx.TokenIssuer
	pingErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	issuer, err := authx.NewTokenIssuer("secret", "kaapeh", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{fake: &fakeServices{}, issuer: issuer}
	api := &API{
		Prefix:    "/api/v1",
		Version:   "1.0.0",
		Logger:    logx.Nop(),
		Verifier:  issuer,
		Sync:      h.fake,
		Metrics:   h.fake,
		Analytics: h.fake,
		Accounts:  h.fake,
		Diagnoses: h.fake,
		Snapshots: h.fake,
		Ping:      func(context.Context) error { return h.pingErr },
	}
	mux := http.NewServeMux()
	api.Register(mux)
	h.handler = mux
	return h
}

func (h *harness) token(t *testing.T, role string) string {
	t.Helper()
	tok, _, err := h.issuer.Issue(uuid.New(), role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (h *harness) do(method string, path string, body string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestTechnicianRoutesRejectUnauthenticated(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{
		"/api/v1/metrics",
		"/api/v1/metrics/categories",
		"/api/v1/analytics/frequent-issues",
		"/api/v1/analytics/heatmap",
		"/api/v1/analytics/trends",
		"/api/v1/analytics/feedback-analysis",
		"/api/v1/analytics/active-users",
	} {
		rec := h.do(http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", path, rec.Code)
		}
		body := decodeBody(t, rec)
		if _, leaked := body["tpp"]; leaked {
			t.Fatalf("%s: data leaked in rejection", path)
		}
		if code := errorCode(t, rec); code != "UNAUTHENTICATED" {
			t.Fatalf("%s: code = %s", path, code)
		}
	}
	if len(h.fake.days) != 0 {
		t.Fatalf("metrics must not be computed for rejected calls")
	}
}

func TestTechnicianRoutesRejectOtherRoles(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/metrics", "", h.token(t, authx.RoleProducer))
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "FORBIDDEN" {
		t.Fatalf("producer: status = %d body %s", rec.Code, rec.Body.String())
	}
	rec = h.do(http.MethodGet, "/api/v1/metrics", "", "not-a-token")
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "INVALID_TOKEN" {
		t.Fatalf("bad token: status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsForTechnician(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/metrics?days=30", "", h.token(t, authx.RoleTechnician))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if v, ok := body["nas"]; !ok || v != nil {
		t.Fatalf("nas should be present and null, got %v", body["nas"])
	}
	if body["total_diagnoses"].(float64) != 15 {
		t.Fatalf("total = %v", body["total_diagnoses"])
	}
	if len(h.fake.days) != 1 || h.fake.days[0] != 30 {
		t.Fatalf("days = %v", h.fake.days)
	}

	rec = h.do(http.MethodGet, "/api/v1/metrics?days=abc", "", h.token(t, authx.RoleTechnician))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-integer days: status = %d", rec.Code)
	}
	h.fake.metricsErr = metrics.ErrInvalidWindow
	rec = h.do(http.MethodGet, "/api/v1/metrics?days=900", "", h.token(t, authx.RoleTechnician))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range days: status = %d", rec.Code)
	}
}

func TestSync(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/v1/sync", `{"diagnoses":[{"detected_issue":"Roya","confidence":0.9,"location":"Finca A"},{"detected_issue":"Sana","confidence":0.75,"user_feedback_correct":true}]}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["synced_count"].(float64) != 2 || body["message"] != "Successfully synced 2 diagnoses" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = h.do(http.MethodPost, "/api/v1/sync", `{"diagnoses":[{"detected_issue":"Roya","confidence":1.5}]}`, "")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_ARGUMENT" {
		t.Fatalf("invalid confidence: status = %d body %s", rec.Code, rec.Body.String())
	}
	if len(h.fake.synced) != 2 {
		t.Fatalf("invalid batch must not be stored")
	}

	rec = h.do(http.MethodPost, "/api/v1/sync", `{"diagnoses":[{"detected_issue":"Roya","confidence":0.8,"preferred_language":"es","timestamp":"2024-06-01T10:00:00"}],"app_version":"1.2"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("extra fields: status = %d body %s", rec.Code, rec.Body.String())
	}
	if len(h.fake.synced) != 3 {
		t.Fatalf("synced = %d, want 3", len(h.fake.synced))
	}

	rec = h.do(http.MethodPost, "/api/v1/sync", `{"diagnoses":[{"detected_issue":"Roya","confidence":0.8,"timestamp":"ayer"}]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad timestamp: status = %d", rec.Code)
	}
}

func TestAuthRoutes(t *testing.T) {
	h := newHarness(t)
	h.fake.loginRes = accounts.AuthResult{UserID: uuid.New(), Role: authx.RoleProducer, Message: accounts.MessageLogin}
	rec := h.do(http.MethodPost, "/api/v1/auth/login", `{"username":"maria"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if v, ok := body["token"]; !ok || v != nil {
		t.Fatalf("token should be null for producers, got %v", body["token"])
	}

	h.fake.accErr = accounts.ErrUserExists
	rec = h.do(http.MethodPost, "/api/v1/auth/register", `{"username":"maria"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("register duplicate status = %d", rec.Code)
	}
	h.fake.accErr = accounts.ErrInvalidArgument
	rec = h.do(http.MethodPost, "/api/v1/auth/login", `{"username":""}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("login invalid status = %d", rec.Code)
	}
}

func TestDiagnosisRoutes(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()

	rec := h.do(http.MethodPatch, "/api/v1/diagnoses/"+id+"/feedback", `{"is_correct":true}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback status = %d", rec.Code)
	}
	rec = h.do(http.MethodPatch, "/api/v1/diagnoses/not-a-uuid/feedback", `{"is_correct":true}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
	rec = h.do(http.MethodPost, "/api/v1/diagnoses/"+id+"/action-items", `{"description":"Aplicar cal"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create item status = %d", rec.Code)
	}

	h.fake.diagErr = diagnoses.ErrFeedbackRecorded
	rec = h.do(http.MethodPatch, "/api/v1/diagnoses/"+id+"/feedback", `{"is_correct":false}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat feedback status = %d", rec.Code)
	}
	h.fake.diagErr = diagnoses.ErrNotFound
	rec = h.do(http.MethodGet, "/api/v1/diagnoses/"+id+"/action-items", "", "")
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
		t.Fatalf("missing diagnosis status = %d", rec.Code)
	}
	h.fake.diagErr = diagnoses.ErrInvalidTransition
	rec = h.do(http.MethodPatch, "/api/v1/action-items/"+id, `{"is_completed":false}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("reopen status = %d", rec.Code)
	}
	h.fake.diagErr = diagnoses.ErrInvalidArgument
	rec = h.do(http.MethodGet, "/api/v1/users/"+id+"/diagnoses?limit=1000", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("history limit status = %d", rec.Code)
	}
}

func TestAccessibilityRoutes(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	rec := h.do(http.MethodPut, "/api/v1/users/"+id+"/accessibility", `{"large_text_enabled":true}`, "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["large_text_enabled"] != true {
		t.Fatalf("put status = %d body %s", rec.Code, rec.Body.String())
	}
	h.fake.accErr = accounts.ErrNotFound
	rec = h.do(http.MethodGet, "/api/v1/users/"+id+"/accessibility", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d", rec.Code)
	}
}

func TestAnalyticsParamErrors(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, authx.RoleTechnician)
	h.fake.trendsErr = &analytics.ParamError{Field: "interval", Message: "must be one of day, week, month"}
	rec := h.do(http.MethodGet, "/api/v1/analytics/trends?interval=year", "", tok)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad interval status = %d", rec.Code)
	}
	rec = h.do(http.MethodGet, "/api/v1/metrics/categories", "", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("categories status = %d", rec.Code)
	}
	cats := decodeBody(t, rec)["categories"].(map[string]any)
	if len(cats) != len(analytics.Categories) {
		t.Fatalf("categories should be zero-filled, got %v", cats)
	}
}

func TestSnapshotRoutes(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, authx.RoleTechnician)
	if rec := h.do(http.MethodPost, "/api/v1/metrics/snapshots", "", tok); rec.Code != http.StatusCreated {
		t.Fatalf("take status = %d", rec.Code)
	}
	h.fake.snapErr = snapshots.ErrNoSnapshot
	if rec := h.do(http.MethodGet, "/api/v1/metrics/snapshots/latest", "", tok); rec.Code != http.StatusNotFound {
		t.Fatalf("latest status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/health", "", "")
	body := decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["status"] != "healthy" || body["version"] != "1.0.0" {
		t.Fatalf("health = %d %v", rec.Code, body)
	}
	h.pingErr = errors.New("connection refused")
	rec = h.do(http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusServiceUnavailable || decodeBody(t, rec)["status"] != "degraded" {
		t.Fatalf("degraded health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestInternalErrorsAreMasked(t *testing.T) {
	h := newHarness(t)
	h.fake.syncErr = errors.New("pq: connection reset")
	rec := h.do(http.MethodPost, "/api/v1/sync", `{"diagnoses":[]}`, "")
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != "INTERNAL_ERROR" {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("pq:")) {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}
