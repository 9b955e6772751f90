package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/shared/events"
	"kaapeh-copiloto/shared/logx"
	"kaapeh-copiloto/shared/metricsx"
	"kaapeh-copiloto/shared/mqx"
)

const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusDelivered = "delivered"
	StatusDead      = "dead"
)

// Build wraps payload in an event envelope and returns a pending outbox row.
func Build(topic string, aggregateType string, aggregateID string, payload any, now time.Time) (models.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	eventID := uuid.New()
	env := events.NewEnvelope(eventID, aggregateType, aggregateID, topic, now, body)
	raw, err := json.Marshal(env)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("marshal %s envelope: %w", topic, err)
	}
	now = now.UTC()
	return models.OutboxEvent{
		EventID:       eventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       raw,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

type Store interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
}

// Enqueuer hands a claimed event to the dispatch queue.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, eventID uuid.UUID) error
}

type Dispatcher struct {
	Store       Store
	Publisher   mqx.Publisher
	Logger      logx.Logger
	Owner       string
	BatchSize   int
	MaxAttempts int
	Now         func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Scan claims pending rows and enqueues one dispatch per row. Rows that
// cannot be enqueued are put back with a retry delay.
func (d *Dispatcher) Scan(ctx context.Context, q Enqueuer) (int, error) {
	claimed, err := d.Store.ClaimPending(ctx, d.Owner, d.BatchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, event := range claimed {
		if err := q.EnqueueDispatch(ctx, event.EventID); err != nil {
			d.Logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
			d.fail(ctx, event, err)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// Dispatch publishes one row. Delivered and dead rows are skipped so a
// duplicate task is harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID uuid.UUID) error {
	event, err := d.Store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == StatusDelivered || event.Status == StatusDead {
		return nil
	}

	headers := map[string]string{
		"event_id":       event.EventID.String(),
		"event_type":     event.Topic,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"published_at":   d.now().Format(time.RFC3339Nano),
	}
	if err := d.Publisher.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, headers); err != nil {
		metricsx.IncOutboxPublishFailure(event.Topic)
		if dead := d.fail(ctx, event, err); dead {
			return nil
		}
		return err
	}
	return d.Store.MarkDelivered(ctx, event.EventID)
}

func (d *Dispatcher) fail(ctx context.Context, event models.OutboxEvent, cause error) bool {
	attempts := event.Attempts + 1
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	dead := attempts >= maxAttempts
	nextRetry := d.now().Add(RetryDelay(attempts))
	if err := d.Store.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		d.Logger.Error(ctx, "outbox_mark_failed", "failed to record outbox failure",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", event.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
	if dead {
		d.Logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", event.EventID.String()),
			slog.Int("attempts", attempts),
		)
	}
	return dead
}

// RetryDelay grows quadratically from 5s and caps at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
