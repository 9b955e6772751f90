package repos

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/shared/dbx"
)

type SnapshotsRepo struct {
	pool *pgxpool.Pool
}

func NewSnapshotsRepo(pool *pgxpool.Pool) *SnapshotsRepo {
	return &SnapshotsRepo{pool: pool}
}

// InsertSnapshot writes an immutable snapshot row and, when given, its
// outbox event in the same transaction.
func (r *SnapshotsRepo) InsertSnapshot(ctx context.Context, snap models.MetricsSnapshot, event *models.OutboxEvent) error {
	dist, err := json.Marshal(snap.IssueDistribution)
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO aggregated_metrics (snapshot_id, taken_at, window_days, tpp, cpm, nas, total_diagnoses, issue_distribution)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, snap.SnapshotID, snap.TakenAt, snap.WindowDays, snap.TPP, snap.CPM, snap.NAS, snap.TotalDiagnoses, dist); err != nil {
			return mapErr(err)
		}
		if event != nil {
			if _, err := insertOutbox(ctx, tx, *event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SnapshotsRepo) LatestSnapshot(ctx context.Context) (models.MetricsSnapshot, error) {
	var snap models.MetricsSnapshot
	var dist []byte
	err := r.pool.QueryRow(ctx, `
		SELECT snapshot_id, taken_at, window_days, tpp, cpm, nas, total_diagnoses, issue_distribution
		FROM aggregated_metrics
		ORDER BY taken_at DESC
		LIMIT 1
	`).Scan(&snap.SnapshotID, &snap.TakenAt, &snap.WindowDays, &snap.TPP, &snap.CPM, &snap.NAS, &snap.TotalDiagnoses, &dist)
	if err != nil {
		return models.MetricsSnapshot{}, mapErr(err)
	}
	snap.IssueDistribution = map[string]int{}
	if len(dist) > 0 {
		if err := json.Unmarshal(dist, &snap.IssueDistribution); err != nil {
			return models.MetricsSnapshot{}, err
		}
	}
	return snap, nil
}
