package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/models"
)

const MaxWindowDays = 365

var ErrInvalidWindow = errors.New("window days must be between 1 and 365")

type Store interface {
	MetricsInputs(ctx context.Context, from time.Time, to time.Time) (models.MetricsInputs, error)
}

// Result is the dashboard view of the quality metrics. TPP, CPM and NAS
// are percentages rounded to two decimals; NAS is nil when no action
// items exist in the window.
type Result struct {
	TPP               float64        `json:"tpp"`
	CPM               float64        `json:"cpm"`
	NAS               *float64       `json:"nas"`
	TotalDiagnoses    int            `json:"total_diagnoses"`
	IssueDistribution map[string]int `json:"issue_distribution"`
	WindowDays        int            `json:"window_days"`
	Timestamp         time.Time      `json:"timestamp"`
}

type Aggregator struct {
	store       Store
	defaultDays int
	now         func() time.Time
}

func NewAggregator(store Store, defaultDays int) *Aggregator {
	if defaultDays <= 0 || defaultDays > MaxWindowDays {
		defaultDays = 7
	}
	return &Aggregator{store: store, defaultDays: defaultDays, now: time.Now}
}

func (a *Aggregator) DefaultDays() int {
	return a.defaultDays
}

// Compute reads the window [now-days, now) once and derives all metrics
// from that single read. days == 0 selects the configured default.
func (a *Aggregator) Compute(ctx context.Context, days int) (Result, error) {
	if days == 0 {
		days = a.defaultDays
	}
	if days < 1 || days > MaxWindowDays {
		return Result{}, ErrInvalidWindow
	}
	now := a.now().UTC()
	from := now.AddDate(0, 0, -days)

	in, err := a.store.MetricsInputs(ctx, from, now)
	if err != nil {
		return Result{}, fmt.Errorf("load metrics inputs: %w", err)
	}
	return FromInputs(in, now, days), nil
}

// FromInputs is the pure part of Compute.
func FromInputs(in models.MetricsInputs, now time.Time, days int) Result {
	dist := in.IssueDistribution
	if dist == nil {
		dist = map[string]int{}
	}
	return Result{
		TPP:               TPP(in.FeedbackCorrect, in.FeedbackTotal),
		CPM:               CPM(in.ConfidenceSum, in.ConfidenceCount),
		NAS:               NAS(in.ActionItemsCompleted, in.ActionItemsTotal),
		TotalDiagnoses:    in.TotalDiagnoses,
		IssueDistribution: dist,
		WindowDays:        days,
		Timestamp:         now,
	}
}

// TPP is zero when nothing in the window carries feedback.
func TPP(correct int, total int) float64 {
	if total <= 0 {
		return 0
	}
	return Round(float64(correct)/float64(total)*100, 2)
}

func CPM(sum float64, count int) float64 {
	if count <= 0 {
		return 0
	}
	return Round(sum/float64(count)*100, 2)
}

// NAS is unavailable, not zero, without action items.
func NAS(completed int, total int) *float64 {
	if total <= 0 {
		return nil
	}
	v := Round(float64(completed)/float64(total)*100, 2)
	return &v
}

func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ToSnapshot(r Result) models.MetricsSnapshot {
	dist := make(map[string]int, len(r.IssueDistribution))
	for k, v := range r.IssueDistribution {
		dist[k] = v
	}
	var nas *float64
	if r.NAS != nil {
		v := *r.NAS
		nas = &v
	}
	return models.MetricsSnapshot{
		SnapshotID:        uuid.New(),
		TakenAt:           r.Timestamp,
		WindowDays:        r.WindowDays,
		TPP:               r.TPP,
		CPM:               r.CPM,
		NAS:               nas,
		TotalDiagnoses:    r.TotalDiagnoses,
		IssueDistribution: dist,
	}
}
