package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type User struct {
	UserID            uuid.UUID `json:"user_id"`
	Username          string    `json:"username"`
	DisplayName       *string   `json:"display_name"`
	DeviceID          *string   `json:"device_id,omitempty"`
	Role              string    `json:"role"`
	PreferredLanguage string    `json:"preferred_language"`
	CreatedAt         time.Time `json:"created_at"`
	LastLoginAt       time.Time `json:"last_login_at"`
}

// DiagnosisEvent is one anonymized diagnosis reported by the mobile app.
// UserFeedbackCorrect is tri-state: nil means no feedback yet.
type DiagnosisEvent struct {
	DiagnosisID         uuid.UUID  `json:"id"`
	UserID              *uuid.UUID `json:"user_id"`
	Timestamp           time.Time  `json:"timestamp"`
	DetectedIssue       string     `json:"detected_issue"`
	Confidence          float64    `json:"confidence"`
	UserFeedbackCorrect *bool      `json:"user_feedback_correct"`
	UserCorrectedIssue  *string    `json:"user_corrected_issue"`
	AIExplanation       *string    `json:"ai_explanation,omitempty"`
	Location            *string    `json:"location"`
	CreatedAt           time.Time  `json:"created_at"`
}

type ActionItem struct {
	ActionItemID    uuid.UUID  `json:"id"`
	DiagnosisID     uuid.UUID  `json:"diagnosis_id"`
	DescriptionText string     `json:"description_text"`
	IsCompleted     bool       `json:"is_completed"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

type AccessibilityConfig struct {
	UserID                    uuid.UUID `json:"user_id"`
	LargeTextEnabled          bool      `json:"large_text_enabled"`
	HighContrastEnabled       bool      `json:"high_contrast_enabled"`
	VoiceInteractionPreferred bool      `json:"voice_interaction_preferred"`
	OnboardingCompleted       bool      `json:"onboarding_completed"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// MetricsSnapshot is a point-in-time copy of the quality metrics. It is
// written once and never updated.
type MetricsSnapshot struct {
	SnapshotID        uuid.UUID      `json:"id"`
	TakenAt           time.Time      `json:"timestamp"`
	WindowDays        int            `json:"window_days"`
	TPP               float64        `json:"tpp"`
	CPM               float64        `json:"cpm"`
	NAS               *float64       `json:"nas"`
	TotalDiagnoses    int            `json:"total_diagnoses"`
	IssueDistribution map[string]int `json:"issue_distribution"`
}

type OutboxEvent struct {
	EventID       uuid.UUID
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

type AuditLog struct {
	OccurredAt   time.Time
	ActorUserID  *uuid.UUID
	ActorRole    string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
