package snapshots

import (
	"context"
	"fmt"

	"kaapeh-copiloto/api/internal/analytics"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/shared/influxx"
)

// SeriesWriter is satisfied by *influxx.Client.
type SeriesWriter interface {
	WriteSnapshot(ctx context.Context, env string, s influxx.Snapshot) error
	WriteTrend(ctx context.Context, env string, buckets []influxx.TrendBucket) error
}

type TrendSource interface {
	Trends(ctx context.Context, days int, interval string) (analytics.Trend, error)
}

// InfluxExporter writes each snapshot as time series. When Trends is set the
// daily trend for TrendDays is written alongside it.
type InfluxExporter struct {
	Writer    SeriesWriter
	Env       string
	Trends    TrendSource
	TrendDays int
}

func (e InfluxExporter) ExportSnapshot(ctx context.Context, snap models.MetricsSnapshot) error {
	if err := e.Writer.WriteSnapshot(ctx, e.Env, influxx.Snapshot{
		TPP:            snap.TPP,
		CPM:            snap.CPM,
		NAS:            snap.NAS,
		TotalDiagnoses: snap.TotalDiagnoses,
		Distribution:   snap.IssueDistribution,
		WindowDays:     snap.WindowDays,
		TakenAt:        snap.TakenAt,
	}); err != nil {
		return fmt.Errorf("write snapshot series: %w", err)
	}
	if e.Trends == nil {
		return nil
	}

	days := e.TrendDays
	if days <= 0 {
		days = analytics.DefaultTrendDays
	}
	trend, err := e.Trends.Trends(ctx, days, analytics.IntervalDay)
	if err != nil {
		return fmt.Errorf("load trend: %w", err)
	}
	buckets := make([]influxx.TrendBucket, 0, len(trend.DataPoints))
	for _, p := range trend.DataPoints {
		buckets = append(buckets, influxx.TrendBucket{
			Start:      p.Start,
			Interval:   trend.Interval,
			Total:      p.TotalDiagnoses,
			ByCategory: p.ByCategory,
		})
	}
	if err := e.Writer.WriteTrend(ctx, e.Env, buckets); err != nil {
		return fmt.Errorf("write trend series: %w", err)
	}
	return nil
}
