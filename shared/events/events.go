package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the Kafka message body for every outbox event.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicDiagnosisSynced   = "diagnosis.synced"
	TopicDiagnosisFeedback = "diagnosis.feedback"
	TopicMetricsSnapshot   = "metrics.snapshot"
)

const (
	AggregateSyncBatch = "sync_batch"
	AggregateDiagnosis = "diagnosis"
	AggregateSnapshot  = "metrics_snapshot"
)

type DiagnosisSynced struct {
	BatchID      uuid.UUID   `json:"batch_id"`
	DiagnosisIDs []uuid.UUID `json:"diagnosis_ids"`
	SyncedCount  int         `json:"synced_count"`
	SyncedAt     time.Time   `json:"synced_at"`
}

type DiagnosisFeedback struct {
	DiagnosisID    uuid.UUID `json:"diagnosis_id"`
	IsCorrect      bool      `json:"is_correct"`
	CorrectedIssue *string   `json:"corrected_issue,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type MetricsSnapshot struct {
	SnapshotID     uuid.UUID      `json:"snapshot_id"`
	TPP            float64        `json:"tpp"`
	CPM            float64        `json:"cpm"`
	NAS            *float64       `json:"nas"`
	TotalDiagnoses int            `json:"total_diagnoses"`
	Distribution   map[string]int `json:"issue_distribution"`
	TakenAt        time.Time      `json:"taken_at"`
}

func NewEnvelope(eventID uuid.UUID, aggregateType string, aggregateID string, eventType string, occurredAt time.Time, payload json.RawMessage) Envelope {
	if eventID == uuid.Nil {
		eventID = uuid.New()
	}
	return Envelope{
		EventID:       eventID,
		OccurredAt:    occurredAt.UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
	}
}
