package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/api/internal/outbox"
	"kaapeh-copiloto/shared/events"
	"kaapeh-copiloto/shared/logx"
	"kaapeh-copiloto/shared/metricsx"
)

// MaxBatchSize bounds a single sync request.
const MaxBatchSize = 1000

// EventInput is one diagnosis as sent by the mobile app. Pointer fields are
// optional on the wire.
type EventInput struct {
	Timestamp           *time.Time `json:"timestamp"`
	DetectedIssue       string     `json:"detected_issue"`
	Confidence          *float64   `json:"confidence"`
	UserFeedbackCorrect *bool      `json:"user_feedback_correct"`
	UserCorrectedIssue  *string    `json:"user_corrected_issue,omitempty"`
	AIExplanation       *string    `json:"ai_explanation,omitempty"`
	Location            *string    `json:"location"`
}

// localLayouts are accepted for timestamps without a zone; they are read
// as UTC.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as zone-less ones.
func (e *EventInput) UnmarshalJSON(b []byte) error {
	type plain EventInput
	aux := struct {
		*plain
		Timestamp *string `json:"timestamp"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.Timestamp = nil
	if aux.Timestamp == nil || strings.TrimSpace(*aux.Timestamp) == "" {
		return nil
	}
	ts, err := ParseTimestamp(*aux.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = &ts
	return nil
}

func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: cannot parse %q", raw)
}

type Problem struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects the whole batch.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid batch"
	}
	p := e.Problems[0]
	if len(e.Problems) == 1 {
		return fmt.Sprintf("diagnoses[%d].%s: %s", p.Index, p.Field, p.Message)
	}
	return fmt.Sprintf("diagnoses[%d].%s: %s (and %d more)", p.Index, p.Field, p.Message, len(e.Problems)-1)
}

type Store interface {
	InsertDiagnoses(ctx context.Context, events []models.DiagnosisEvent, event *models.OutboxEvent) error
}

// Invalidator drops cached dashboard reads after a write.
type Invalidator interface {
	DeletePrefix(ctx context.Context, namespace string) (int, error)
}

type Service struct {
	store         Store
	logger        logx.Logger
	cache         Invalidator
	outboxEnabled bool
	now           func() time.Time
}

func NewService(store Store, logger logx.Logger, outboxEnabled bool) *Service {
	return &Service{store: store, logger: logger, outboxEnabled: outboxEnabled, now: time.Now}
}

func (s *Service) WithInvalidator(cache Invalidator) *Service {
	s.cache = cache
	return s
}

// Validate checks every event and reports all problems at once.
func Validate(inputs []EventInput) error {
	var problems []Problem
	if len(inputs) > MaxBatchSize {
		problems = append(problems, Problem{Index: -1, Field: "diagnoses", Message: fmt.Sprintf("at most %d events per batch", MaxBatchSize)})
	}
	for i, in := range inputs {
		if strings.TrimSpace(in.DetectedIssue) == "" {
			problems = append(problems, Problem{Index: i, Field: "detected_issue", Message: "must not be empty"})
		}
		switch {
		case in.Confidence == nil:
			problems = append(problems, Problem{Index: i, Field: "confidence", Message: "is required"})
		case math.IsNaN(*in.Confidence) || *in.Confidence < 0 || *in.Confidence > 1:
			problems = append(problems, Problem{Index: i, Field: "confidence", Message: "must be between 0 and 1"})
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Sync validates and stores a batch. Events are stored without a user so
// sync stays anonymous; a missing timestamp takes the server time.
func (s *Service) Sync(ctx context.Context, inputs []EventInput) (int, error) {
	if err := Validate(inputs); err != nil {
		metricsx.IncSyncBatch("rejected")
		return 0, err
	}
	if len(inputs) == 0 {
		return 0, nil
	}

	now := s.now().UTC()
	records := make([]models.DiagnosisEvent, 0, len(inputs))
	ids := make([]uuid.UUID, 0, len(inputs))
	for _, in := range inputs {
		rec := NewRecord(in, now)
		records = append(records, rec)
		ids = append(ids, rec.DiagnosisID)
	}

	var event *models.OutboxEvent
	if s.outboxEnabled {
		batchID := uuid.New()
		ev, err := outbox.Build(events.TopicDiagnosisSynced, events.AggregateSyncBatch, batchID.String(), events.DiagnosisSynced{
			BatchID:      batchID,
			DiagnosisIDs: ids,
			SyncedCount:  len(records),
			SyncedAt:     now,
		}, now)
		if err != nil {
			return 0, err
		}
		event = &ev
	}

	if err := s.store.InsertDiagnoses(ctx, records, event); err != nil {
		metricsx.IncSyncBatch("failed")
		return 0, fmt.Errorf("insert diagnoses: %w", err)
	}
	metricsx.IncSyncBatch("accepted")
	metricsx.AddDiagnosesSynced(len(records))
	s.invalidate(ctx)
	return len(records), nil
}

// NewRecord builds an unattributed record from a validated input. A missing
// timestamp takes now; the corrected label is kept only on negative
// feedback.
func NewRecord(in EventInput, now time.Time) models.DiagnosisEvent {
	rec := models.DiagnosisEvent{
		DiagnosisID:         uuid.New(),
		Timestamp:           now,
		DetectedIssue:       strings.TrimSpace(in.DetectedIssue),
		UserFeedbackCorrect: in.UserFeedbackCorrect,
		AIExplanation:       trimmed(in.AIExplanation),
		Location:            trimmed(in.Location),
		CreatedAt:           now,
	}
	if in.Confidence != nil {
		rec.Confidence = *in.Confidence
	}
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		rec.Timestamp = in.Timestamp.UTC()
	}
	if in.UserFeedbackCorrect != nil && !*in.UserFeedbackCorrect {
		rec.UserCorrectedIssue = trimmed(in.UserCorrectedIssue)
	}
	return rec
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.DeletePrefix(ctx, analytics.CacheNamespace); err != nil {
		s.logger.Warn(ctx, "cache_invalidate_failed", "failed to invalidate analytics cache",
			slog.String("error", err.Error()),
		)
	}
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
