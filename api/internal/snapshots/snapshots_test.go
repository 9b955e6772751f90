package snapshots

import (
	"context"
	"errors"
	"testing"
	"time"

	"kaapeh-copiloto/api/internal/metrics"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/api/internal/repos"
	"kaapeh-copiloto/shared/events"
	"kaapeh-copiloto/shared/logx"
)

type fixedComputer struct {
	result metrics.Result
	err    error
	days   []int
}

func (f *fixedComputer) Compute(_ context.Context, days int) (metrics.Result, error) {
	f.days = append(f.days, days)
	return f.result, f.err
}

type memStore struct {
	snaps  []models.MetricsSnapshot
	outbox []models.OutboxEvent
	err    error
}

func (m *memStore) InsertSnapshot(_ context.Context, snap models.MetricsSnapshot, ev *models.OutboxEvent) error {
	if m.err != nil {
		return m.err
	}
	m.snaps = append(m.snaps, snap)
	if ev != nil {
		m.outbox = append(m.outbox, *ev)
	}
	return nil
}

func (m *memStore) LatestSnapshot(context.Context) (models.MetricsSnapshot, error) {
	if len(m.snaps) == 0 {
		return models.MetricsSnapshot{}, repos.ErrNotFound
	}
	return m.snaps[len(m.snaps)-1], nil
}

type failingExporter struct{ calls int }

func (f *failingExporter) ExportSnapshot(context.Context, models.MetricsSnapshot) error {
	f.calls++
	return errors.New("influx down")
}

func sampleResult() metrics.Result {
	return metrics.Result{TPP: 50, CPM: 83, TotalDiagnoses: 15, IssueDistribution: map[string]int{"Roya": 15}, WindowDays: 7, Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTakePersistsSnapshotAndEvent(t *testing.T) {
	comp := &fixedComputer{result: sampleResult()}
	store := &memStore{}
	exp := &failingExporter{}
	svc := NewService(comp, store, logx.Nop(), true).WithExporter(exp)

	snap, err := svc.Take(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalDiagnoses != 15 || snap.NAS != nil || snap.TPP != 50 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
	if len(store.snaps) != 1 || len(store.outbox) != 1 || store.outbox[0].Topic != events.TopicMetricsSnapshot {
		t.Fatalf("expected snapshot and outbox row, got %d / %#v", len(store.snaps), store.outbox)
	}
	if store.outbox[0].AggregateID != snap.SnapshotID.String() {
		t.Fatalf("outbox aggregate id = %s", store.outbox[0].AggregateID)
	}
	if exp.calls != 1 {
		t.Fatalf("exporter should run once even when it fails")
	}

	latest, err := svc.Latest(context.Background())
	if err != nil || latest.SnapshotID != snap.SnapshotID {
		t.Fatalf("latest = %#v, %v", latest, err)
	}
}

func TestTakeErrors(t *testing.T) {
	svc := NewService(&fixedComputer{err: metrics.ErrInvalidWindow}, &memStore{}, logx.Nop(), false)
	if _, err := svc.Take(context.Background(), 999); !errors.Is(err, metrics.ErrInvalidWindow) {
		t.Fatalf("compute error = %v", err)
	}
	store := &memStore{err: errors.New("db down")}
	svc = NewService(&fixedComputer{result: sampleResult()}, store, logx.Nop(), false)
	if _, err := svc.Take(context.Background(), 7); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestLatestEmpty(t *testing.T) {
	svc := NewService(&fixedComputer{}, &memStore{}, logx.Nop(), false)
	if _, err := svc.Latest(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("latest on empty store = %v", err)
	}
}
