package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kaapeh-copiloto/api/internal/models"
)

// StatsRepo runs the aggregate queries behind the metrics and analytics
// endpoints. It never writes.
type StatsRepo struct {
	pool *pgxpool.Pool
}

func NewStatsRepo(pool *pgxpool.Pool) *StatsRepo {
	return &StatsRepo{pool: pool}
}

// MetricsInputs gathers every count the quality metrics need in one round
// trip. Windowed figures cover [from, to); the total and distribution are
// all-time.
func (r *StatsRepo) MetricsInputs(ctx context.Context, from time.Time, to time.Time) (models.MetricsInputs, error) {
	in := models.MetricsInputs{From: from, To: to, IssueDistribution: map[string]int{}}

	batch := &pgx.Batch{}
	batch.Queue(`
		SELECT
			count(*) FILTER (WHERE user_feedback_correct IS NOT NULL),
			count(*) FILTER (WHERE user_feedback_correct),
			count(*),
			COALESCE(sum(confidence), 0)
		FROM diagnosis_records
		WHERE occurred_at >= $1 AND occurred_at < $2
	`, from, to).QueryRow(func(row pgx.Row) error {
		return row.Scan(&in.FeedbackTotal, &in.FeedbackCorrect, &in.ConfidenceCount, &in.ConfidenceSum)
	})
	batch.Queue(`
		SELECT count(*), count(*) FILTER (WHERE a.is_completed)
		FROM action_items a
		JOIN diagnosis_records d ON d.diagnosis_id = a.diagnosis_id
		WHERE d.occurred_at >= $1 AND d.occurred_at < $2
	`, from, to).QueryRow(func(row pgx.Row) error {
		return row.Scan(&in.ActionItemsTotal, &in.ActionItemsCompleted)
	})
	batch.Queue(`SELECT count(*) FROM diagnosis_records`).QueryRow(func(row pgx.Row) error {
		return row.Scan(&in.TotalDiagnoses)
	})
	batch.Queue(`
		SELECT detected_issue, count(*)
		FROM diagnosis_records
		GROUP BY detected_issue
	`).Query(func(rows pgx.Rows) error {
		for rows.Next() {
			var issue string
			var count int
			if err := rows.Scan(&issue, &count); err != nil {
				return err
			}
			in.IssueDistribution[issue] = count
		}
		return rows.Err()
	})

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return models.MetricsInputs{}, err
	}
	return in, nil
}

// IssueStats groups diagnoses by label, optionally from a lower bound.
func (r *StatsRepo) IssueStats(ctx context.Context, from *time.Time) ([]models.IssueStat, error) {
	query := `
		SELECT detected_issue, count(*), avg(confidence)
		FROM diagnosis_records`
	args := []any{}
	if from != nil {
		query += ` WHERE occurred_at >= $1`
		args = append(args, *from)
	}
	query += ` GROUP BY detected_issue`

	return collect(ctx, r.pool, query, args, func(rows pgx.Rows) (models.IssueStat, error) {
		var s models.IssueStat
		err := rows.Scan(&s.Issue, &s.Count, &s.AvgConfidence)
		return s, err
	})
}

func (r *StatsRepo) LocationIssueStats(ctx context.Context) ([]models.LocationIssueStat, error) {
	return collect(ctx, r.pool, `
		SELECT btrim(location), detected_issue, count(*), sum(confidence)
		FROM diagnosis_records
		WHERE location IS NOT NULL AND btrim(location) <> ''
		GROUP BY btrim(location), detected_issue
	`, nil, func(rows pgx.Rows) (models.LocationIssueStat, error) {
		var s models.LocationIssueStat
		err := rows.Scan(&s.Location, &s.Issue, &s.Count, &s.ConfidenceSum)
		return s, err
	})
}

// DailyIssueCounts buckets by UTC calendar day.
func (r *StatsRepo) DailyIssueCounts(ctx context.Context, from time.Time) ([]models.DailyIssueCount, error) {
	return collect(ctx, r.pool, `
		SELECT date_trunc('day', occurred_at AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS day, detected_issue, count(*)
		FROM diagnosis_records
		WHERE occurred_at >= $1
		GROUP BY 1, 2
	`, []any{from}, func(rows pgx.Rows) (models.DailyIssueCount, error) {
		var s models.DailyIssueCount
		err := rows.Scan(&s.Day, &s.Issue, &s.Count)
		s.Day = s.Day.UTC()
		return s, err
	})
}

func (r *StatsRepo) FeedbackStats(ctx context.Context) ([]models.FeedbackStat, error) {
	return collect(ctx, r.pool, `
		SELECT detected_issue, count(*), count(*) FILTER (WHERE user_feedback_correct)
		FROM diagnosis_records
		WHERE user_feedback_correct IS NOT NULL
		GROUP BY detected_issue
	`, nil, func(rows pgx.Rows) (models.FeedbackStat, error) {
		var s models.FeedbackStat
		err := rows.Scan(&s.Issue, &s.Total, &s.Correct)
		return s, err
	})
}

func (r *StatsRepo) UserIssueStats(ctx context.Context) ([]models.UserIssueStat, error) {
	return collect(ctx, r.pool, `
		SELECT u.user_id, u.username, u.display_name, d.detected_issue, count(*), max(d.occurred_at)
		FROM diagnosis_records d
		JOIN users u ON u.user_id = d.user_id
		GROUP BY u.user_id, u.username, u.display_name, d.detected_issue
	`, nil, func(rows pgx.Rows) (models.UserIssueStat, error) {
		var s models.UserIssueStat
		err := rows.Scan(&s.UserID, &s.Username, &s.DisplayName, &s.Issue, &s.Count, &s.LastActivity)
		return s, err
	})
}

func (r *StatsRepo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

func collect[T any](ctx context.Context, db DBTX, query string, args []any, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
