package snapshots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kaapeh-copiloto/api/internal/metrics"
	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/api/internal/outbox"
	"kaapeh-copiloto/api/internal/repos"
	"kaapeh-copiloto/shared/events"
	"kaapeh-copiloto/shared/logx"
	"kaapeh-copiloto/shared/metricsx"
)

var ErrNoSnapshot = errors.New("no metrics snapshot recorded")

type Computer interface {
	Compute(ctx context.Context, days int) (metrics.Result, error)
}

type Store interface {
	InsertSnapshot(ctx context.Context, snap models.MetricsSnapshot, event *models.OutboxEvent) error
	LatestSnapshot(ctx context.Context) (models.MetricsSnapshot, error)
}

// Exporter receives each persisted snapshot, e.g. for a time-series store.
type Exporter interface {
	ExportSnapshot(ctx context.Context, snap models.MetricsSnapshot) error
}

type Service struct {
	metrics       Computer
	store         Store
	exporter      Exporter
	logger        logx.Logger
	outboxEnabled bool
}

func NewService(m Computer, store Store, logger logx.Logger, outboxEnabled bool) *Service {
	return &Service{metrics: m, store: store, logger: logger, outboxEnabled: outboxEnabled}
}

func (s *Service) WithExporter(e Exporter) *Service {
	s.exporter = e
	return s
}

// Take computes the metrics for the window and persists them as a new
// snapshot. Export failures are logged and do not fail the call.
func (s *Service) Take(ctx context.Context, days int) (models.MetricsSnapshot, error) {
	start := time.Now()
	result, err := s.metrics.Compute(ctx, days)
	if err != nil {
		return models.MetricsSnapshot{}, err
	}
	snap := metrics.ToSnapshot(result)

	var event *models.OutboxEvent
	if s.outboxEnabled {
		ev, err := outbox.Build(events.TopicMetricsSnapshot, events.AggregateSnapshot, snap.SnapshotID.String(), events.MetricsSnapshot{
			SnapshotID:     snap.SnapshotID,
			TPP:            snap.TPP,
			CPM:            snap.CPM,
			NAS:            snap.NAS,
			TotalDiagnoses: snap.TotalDiagnoses,
			Distribution:   snap.IssueDistribution,
			TakenAt:        snap.TakenAt,
		}, snap.TakenAt)
		if err != nil {
			return models.MetricsSnapshot{}, err
		}
		event = &ev
	}

	if err := s.store.InsertSnapshot(ctx, snap, event); err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	metricsx.ObserveSnapshotDuration(time.Since(start))
	s.logger.Info(ctx, "snapshot_taken", "metrics snapshot stored",
		slog.String("snapshot_id", snap.SnapshotID.String()),
		slog.Int("window_days", snap.WindowDays),
		slog.Int("total_diagnoses", snap.TotalDiagnoses),
	)

	if s.exporter != nil {
		if err := s.exporter.ExportSnapshot(ctx, snap); err != nil {
			metricsx.IncInfluxWriteFailure()
			s.logger.Warn(ctx, "snapshot_export_failed", "failed to export metrics snapshot",
				slog.String("snapshot_id", snap.SnapshotID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap, nil
}

func (s *Service) Latest(ctx context.Context) (models.MetricsSnapshot, error) {
	snap, err := s.store.LatestSnapshot(ctx)
	if errors.Is(err, repos.ErrNotFound) {
		return models.MetricsSnapshot{}, ErrNoSnapshot
	}
	return snap, err
}
