package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/models"
)

// memStore derives inputs from in-memory rows the same way the SQL does.
type memStore struct {
	events []models.DiagnosisEvent
	items  []models.ActionItem
	calls  int
	from   time.Time
	to     time.Time
}

func (s *memStore) MetricsInputs(_ context.Context, from time.Time, to time.Time) (models.MetricsInputs, error) {
	s.calls++
	s.from, s.to = from, to
	in := models.MetricsInputs{From: from, To: to, IssueDistribution: map[string]int{}}
	byID := map[uuid.UUID]models.DiagnosisEvent{}
	for _, e := range s.events {
		byID[e.DiagnosisID] = e
		in.TotalDiagnoses++
		in.IssueDistribution[e.DetectedIssue]++
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		in.ConfidenceCount++
		in.ConfidenceSum += e.Confidence
		if e.UserFeedbackCorrect != nil {
			in.FeedbackTotal++
			if *e.UserFeedbackCorrect {
				in.FeedbackCorrect++
			}
		}
	}
	for _, it := range s.items {
		owner := byID[it.DiagnosisID]
		if owner.Timestamp.Before(from) || !owner.Timestamp.Before(to) {
			continue
		}
		in.ActionItemsTotal++
		if it.IsCompleted {
			in.ActionItemsCompleted++
		}
	}
	return in, nil
}

func boolPtr(v bool) *bool { return &v }

func fixedAggregator(store Store, now time.Time) *Aggregator {
	a := NewAggregator(store, 7)
	a.now = func() time.Time { return now }
	return a
}

func TestEmptyPoliciesDiffer(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	res, err := fixedAggregator(&memStore{}, now).Compute(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.TPP != 0 || res.CPM != 0 {
		t.Fatalf("expected zero tpp/cpm, got %v/%v", res.TPP, res.CPM)
	}
	if res.NAS != nil {
		t.Fatalf("expected nas unavailable, got %v", *res.NAS)
	}

	b, _ := json.Marshal(res)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if v, ok := m["nas"]; !ok || v != nil {
		t.Fatalf("nas should serialize as null, got %v", v)
	}
	if m["tpp"] != float64(0) {
		t.Fatalf("tpp should serialize as 0, got %v", m["tpp"])
	}
}

func TestFifteenEventScenario(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	labels := []string{"Roya del Café", "Araña Roja", "Planta Saludable"}
	wantCorrect, wantFeedback := 0, 0
	for i := 0; i < 15; i++ {
		var fb *bool
		switch i % 3 {
		case 0:
			fb = boolPtr(true)
			wantCorrect++
			wantFeedback++
		case 1:
			fb = boolPtr(false)
			wantFeedback++
		}
		store.events = append(store.events, models.DiagnosisEvent{
			DiagnosisID:         uuid.New(),
			Timestamp:           now.Add(-time.Duration(i+1) * time.Hour),
			DetectedIssue:       labels[i%3],
			Confidence:          0.75 + float64(i%3)*0.08,
			UserFeedbackCorrect: fb,
		})
	}

	res, err := fixedAggregator(store, now).Compute(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalDiagnoses != 15 {
		t.Fatalf("total = %d", res.TotalDiagnoses)
	}
	if want := Round(float64(wantCorrect)/float64(wantFeedback)*100, 2); res.TPP != want || res.TPP != 50 {
		t.Fatalf("tpp = %v, want %v", res.TPP, want)
	}
	if res.CPM != 83 {
		t.Fatalf("cpm = %v, want 83", res.CPM)
	}
	if res.IssueDistribution["Roya del Café"] != 5 {
		t.Fatalf("distribution = %#v", res.IssueDistribution)
	}
}

func TestWindowExcludesOldAndFutureEvents(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{events: []models.DiagnosisEvent{
		{DiagnosisID: uuid.New(), Timestamp: now.AddDate(0, 0, -8), DetectedIssue: "a", Confidence: 0.1, UserFeedbackCorrect: boolPtr(false)},
		{DiagnosisID: uuid.New(), Timestamp: now.Add(-time.Minute), DetectedIssue: "b", Confidence: 0.9, UserFeedbackCorrect: boolPtr(true)},
		{DiagnosisID: uuid.New(), Timestamp: now, DetectedIssue: "c", Confidence: 0.2},
	}}
	res, err := fixedAggregator(store, now).Compute(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.TPP != 100 || res.CPM != 90 {
		t.Fatalf("tpp=%v cpm=%v", res.TPP, res.CPM)
	}
	if !store.to.Equal(now) || !store.from.Equal(now.AddDate(0, 0, -7)) {
		t.Fatalf("window = [%s, %s)", store.from, store.to)
	}
	if store.calls != 1 {
		t.Fatalf("expected a single read, got %d", store.calls)
	}
}

func TestNASFromActionItems(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	diag := models.DiagnosisEvent{DiagnosisID: uuid.New(), Timestamp: now.Add(-time.Hour), DetectedIssue: "x", Confidence: 0.5}
	store := &memStore{
		events: []models.DiagnosisEvent{diag},
		items: []models.ActionItem{
			{DiagnosisID: diag.DiagnosisID, IsCompleted: true},
			{DiagnosisID: diag.DiagnosisID},
			{DiagnosisID: diag.DiagnosisID},
		},
	}
	res, err := fixedAggregator(store, now).Compute(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.NAS == nil || *res.NAS != 33.33 {
		t.Fatalf("nas = %v", res.NAS)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{events: []models.DiagnosisEvent{
		{DiagnosisID: uuid.New(), Timestamp: now.Add(-time.Hour), DetectedIssue: "x", Confidence: 0.42, UserFeedbackCorrect: boolPtr(true)},
	}}
	a := fixedAggregator(store, now)
	first, _ := a.Compute(context.Background(), 7)
	second, _ := a.Compute(context.Background(), 7)
	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	if string(b1) != string(b2) {
		t.Fatalf("results differ:\n%s\n%s", b1, b2)
	}
}

func TestInvalidWindow(t *testing.T) {
	a := fixedAggregator(&memStore{}, time.Now())
	for _, days := range []int{-1, 366} {
		if _, err := a.Compute(context.Background(), days); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("days=%d err=%v", days, err)
		}
	}
}

type failingStore struct{}

func (failingStore) MetricsInputs(context.Context, time.Time, time.Time) (models.MetricsInputs, error) {
	return models.MetricsInputs{}, errors.New("connection reset")
}

func TestStoreErrorPropagates(t *testing.T) {
	if _, err := fixedAggregator(failingStore{}, time.Now()).Compute(context.Background(), 7); err == nil {
		t.Fatalf("expected error")
	}
}

func TestToSnapshotCopies(t *testing.T) {
	nas := 10.0
	r := Result{TPP: 1, NAS: &nas, IssueDistribution: map[string]int{"a": 1}, WindowDays: 7}
	s := ToSnapshot(r)
	r.IssueDistribution["a"] = 99
	*r.NAS = 50
	if s.IssueDistribution["a"] != 1 || *s.NAS != 10 || s.SnapshotID == uuid.Nil {
		t.Fatalf("snapshot aliased result: %#v", s)
	}
}
