package models

import (
	"time"

	"github.com/google/uuid"
)

// MetricsInputs are the raw counts the quality metrics are derived from.
// Windowed counts cover [From, To).
type MetricsInputs struct {
	From time.Time
	To   time.Time

	FeedbackTotal   int
	FeedbackCorrect int

	ConfidenceCount int
	ConfidenceSum   float64

	ActionItemsTotal     int
	ActionItemsCompleted int

	TotalDiagnoses    int
	IssueDistribution map[string]int
}

type IssueStat struct {
	Issue         string
	Count         int
	AvgConfidence float64
}

type LocationIssueStat struct {
	Location      string
	Issue         string
	Count         int
	ConfidenceSum float64
}

// DailyIssueCount is a per-UTC-day count for one label.
type DailyIssueCount struct {
	Day   time.Time
	Issue string
	Count int
}

type FeedbackStat struct {
	Issue   string
	Total   int
	Correct int
}

type UserIssueStat struct {
	UserID       uuid.UUID
	Username     string
	DisplayName  *string
	Issue        string
	Count        int
	LastActivity time.Time
}
