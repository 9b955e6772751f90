package diagnoses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/ingest"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/api/internal/outbox"
	"kaapeh-copiloto/api/internal/repos"
	"kaapeh-copiloto/shared/events"
	"kaapeh-copiloto/shared/logx"
	"kaapeh-copiloto/shared/workflow"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
	MaxDescriptionLen   = 2000
)

var (
	ErrNotFound          = errors.New("not found")
	ErrFeedbackRecorded  = errors.New("feedback already recorded")
	ErrInvalidTransition = errors.New("invalid action item transition")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Store is implemented by repos.DiagnosesRepo.
type Store interface {
	CreateDiagnosis(ctx context.Context, d models.DiagnosisEvent) (models.DiagnosisEvent, error)
	DiagnosisExists(ctx context.Context, diagnosisID uuid.UUID) (bool, error)
	UpdateFeedback(ctx context.Context, diagnosisID uuid.UUID, fn func(models.DiagnosisEvent) (models.DiagnosisEvent, *models.OutboxEvent, error)) (models.DiagnosisEvent, error)
	ListUserDiagnoses(ctx context.Context, userID uuid.UUID, limit int) ([]models.DiagnosisEvent, error)
	CreateActionItem(ctx context.Context, item models.ActionItem) (models.ActionItem, error)
	UpdateActionItem(ctx context.Context, itemID uuid.UUID, fn func(models.ActionItem) (models.ActionItem, error)) (models.ActionItem, error)
	ListActionItems(ctx context.Context, diagnosisID uuid.UUID) ([]models.ActionItem, error)
}

type UserChecker interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
}

type Invalidator interface {
	DeletePrefix(ctx context.Context, namespace string) (int, error)
}

type Service struct {
	store         Store
	users         UserChecker
	logger        logx.Logger
	cache         Invalidator
	outboxEnabled bool
	now           func() time.Time
}

func NewService(store Store, users UserChecker, logger logx.Logger, outboxEnabled bool) *Service {
	return &Service{store: store, users: users, logger: logger, outboxEnabled: outboxEnabled, now: time.Now}
}

func (s *Service) WithInvalidator(cache Invalidator) *Service {
	s.cache = cache
	return s
}

type FeedbackInput struct {
	IsCorrect      *bool   `json:"is_correct"`
	CorrectedIssue *string `json:"corrected_issue"`
}

// RecordFeedback stores the user's verdict on a diagnosis. Feedback is set
// once; a second attempt fails with ErrFeedbackRecorded.
func (s *Service) RecordFeedback(ctx context.Context, diagnosisID uuid.UUID, in FeedbackInput) (models.DiagnosisEvent, error) {
	if in.IsCorrect == nil {
		return models.DiagnosisEvent{}, fmt.Errorf("%w: is_correct is required", ErrInvalidArgument)
	}
	correct := *in.IsCorrect
	var corrected *string
	if !correct && in.CorrectedIssue != nil {
		if v := strings.TrimSpace(*in.CorrectedIssue); v != "" {
			corrected = &v
		}
	}

	updated, err := s.store.UpdateFeedback(ctx, diagnosisID, func(current models.DiagnosisEvent) (models.DiagnosisEvent, *models.OutboxEvent, error) {
		from := workflow.FeedbackState(current.UserFeedbackCorrect)
		to := workflow.FeedbackState(&correct)
		if !workflow.CanRecordFeedback(from, to) {
			return models.DiagnosisEvent{}, nil, ErrFeedbackRecorded
		}
		current.UserFeedbackCorrect = &correct
		current.UserCorrectedIssue = corrected

		if !s.outboxEnabled {
			return current, nil, nil
		}
		now := s.now().UTC()
		ev, err := outbox.Build(events.TopicDiagnosisFeedback, events.AggregateDiagnosis, diagnosisID.String(), events.DiagnosisFeedback{
			DiagnosisID:    diagnosisID,
			IsCorrect:      correct,
			CorrectedIssue: corrected,
			RecordedAt:     now,
		}, now)
		if err != nil {
			return models.DiagnosisEvent{}, nil, err
		}
		return current, &ev, nil
	})
	if err != nil {
		return models.DiagnosisEvent{}, s.mapErr(err)
	}
	s.logger.Info(ctx, "feedback_recorded", "diagnosis feedback recorded",
		slog.String("diagnosis_id", diagnosisID.String()),
		slog.String("event_type", workflow.FeedbackEvent(workflow.FeedbackPending, workflow.FeedbackState(&correct))),
	)
	s.invalidate(ctx)
	return updated, nil
}

func (s *Service) CreateActionItem(ctx context.Context, diagnosisID uuid.UUID, description string) (models.ActionItem, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return models.ActionItem{}, fmt.Errorf("%w: description must not be empty", ErrInvalidArgument)
	}
	if len(description) > MaxDescriptionLen {
		return models.ActionItem{}, fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidArgument, MaxDescriptionLen)
	}
	item, err := s.store.CreateActionItem(ctx, models.ActionItem{
		ActionItemID:    uuid.New(),
		DiagnosisID:     diagnosisID,
		DescriptionText: description,
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return models.ActionItem{}, s.mapErr(err)
	}
	s.invalidate(ctx)
	return item, nil
}

// UpdateActionItem applies a completion change. Completing twice is a no-op;
// reopening a completed item is rejected.
func (s *Service) UpdateActionItem(ctx context.Context, itemID uuid.UUID, completed *bool) (models.ActionItem, error) {
	if completed == nil {
		return models.ActionItem{}, fmt.Errorf("%w: is_completed is required", ErrInvalidArgument)
	}
	changed := false
	item, err := s.store.UpdateActionItem(ctx, itemID, func(current models.ActionItem) (models.ActionItem, error) {
		from := workflow.ActionItemState(current.IsCompleted)
		to := workflow.ActionItemState(*completed)
		if !workflow.CanUpdateActionItem(from, to) {
			return models.ActionItem{}, ErrInvalidTransition
		}
		if from != to {
			changed = true
			now := s.now().UTC()
			current.IsCompleted = true
			current.CompletedAt = &now
		}
		return current, nil
	})
	if err != nil {
		return models.ActionItem{}, s.mapErr(err)
	}
	if changed {
		s.logger.Info(ctx, "action_item_completed", "action item completed",
			slog.String("action_item_id", itemID.String()),
			slog.String("diagnosis_id", item.DiagnosisID.String()),
		)
		s.invalidate(ctx)
	}
	return item, nil
}

func (s *Service) ListActionItems(ctx context.Context, diagnosisID uuid.UUID) ([]models.ActionItem, error) {
	exists, err := s.store.DiagnosisExists(ctx, diagnosisID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return s.store.ListActionItems(ctx, diagnosisID)
}

// History lists a user's diagnoses newest first. limit 0 selects the
// default.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.DiagnosisEvent, error) {
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidArgument, MaxHistoryLimit)
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListUserDiagnoses(ctx, userID, limit)
}

// CreateForUser records one diagnosis attributed to a registered user. The
// same validation as anonymous sync applies.
func (s *Service) CreateForUser(ctx context.Context, userID uuid.UUID, in ingest.EventInput) (models.DiagnosisEvent, error) {
	if err := ingest.Validate([]ingest.EventInput{in}); err != nil {
		return models.DiagnosisEvent{}, err
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return models.DiagnosisEvent{}, err
	}

	rec := ingest.NewRecord(in, s.now().UTC())
	rec.UserID = &userID

	out, err := s.store.CreateDiagnosis(ctx, rec)
	if err != nil {
		return models.DiagnosisEvent{}, s.mapErr(err)
	}
	s.invalidate(ctx)
	return out, nil
}

func (s *Service) requireUser(ctx context.Context, userID uuid.UUID) error {
	exists, err := s.users.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *Service) mapErr(err error) error {
	if errors.Is(err, repos.ErrNotFound) {
		return ErrNotFound
	}
	return err
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
