package snapshots

import (
	"context"
	"errors"
	"testing"
	"time"

	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/shared/influxx"
)

type recordingWriter struct {
	snaps    []influxx.Snapshot
	buckets  []influxx.TrendBucket
	env      string
	trendErr error
}

func (w *recordingWriter) WriteSnapshot(_ context.Context, env string, s influxx.Snapshot) error {
	w.env = env
	w.snaps = append(w.snaps, s)
	return nil
}

func (w *recordingWriter) WriteTrend(_ context.Context, _ string, buckets []influxx.TrendBucket) error {
	if w.trendErr != nil {
		return w.trendErr
	}
	w.buckets = append(w.buckets, buckets...)
	return nil
}

type fixedTrends struct {
	trend    analytics.Trend
	days     int
	interval string
}

func (f *fixedTrends) Trends(_ context.Context, days int, interval string) (analytics.Trend, error) {
	f.days, f.interval = days, interval
	return f.trend, nil
}

func TestInfluxExporterWritesSnapshotAndTrend(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	w := &recordingWriter{}
	src := &fixedTrends{trend: analytics.Trend{
		Interval: analytics.IntervalDay,
		DataPoints: []analytics.TrendPoint{
			{Date: "2024-06-01", Start: day, TotalDiagnoses: 3, ByCategory: map[string]int{"Roya": 3}},
		},
	}}
	exp := InfluxExporter{Writer: w, Env: "test", Trends: src}

	snap := models.MetricsSnapshot{TPP: 50, CPM: 80, TotalDiagnoses: 3, WindowDays: 7, TakenAt: day}
	if err := exp.ExportSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(w.snaps) != 1 || w.snaps[0].TPP != 50 || w.env != "test" {
		t.Fatalf("snapshot series = %+v env=%q", w.snaps, w.env)
	}
	if src.days != analytics.DefaultTrendDays || src.interval != analytics.IntervalDay {
		t.Fatalf("trend query = %d/%s", src.days, src.interval)
	}
	if len(w.buckets) != 1 || !w.buckets[0].Start.Equal(day) || w.buckets[0].Total != 3 {
		t.Fatalf("trend buckets = %+v", w.buckets)
	}
}

func TestInfluxExporterWithoutTrendSource(t *testing.T) {
	w := &recordingWriter{trendErr: errors.New("unused")}
	exp := InfluxExporter{Writer: w}
	if err := exp.ExportSnapshot(context.Background(), models.MetricsSnapshot{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(w.buckets) != 0 {
		t.Fatalf("unexpected trend write")
	}
}

func TestInfluxExporterTrendWriteError(t *testing.T) {
	w := &recordingWriter{trendErr: errors.New("bucket missing")}
	exp := InfluxExporter{Writer: w, Trends: &fixedTrends{}}
	if err := exp.ExportSnapshot(context.Background(), models.MetricsSnapshot{}); err == nil {
		t.Fatalf("expected error")
	}
}
