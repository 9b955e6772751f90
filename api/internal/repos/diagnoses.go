package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/shared/dbx"
)

const diagnosisColumns = `diagnosis_id, user_id, occurred_at, detected_issue, confidence, user_feedback_correct, user_corrected_issue, ai_explanation, location, created_at`

type DiagnosesRepo struct {
	pool *pgxpool.Pool
}

func NewDiagnosesRepo(pool *pgxpool.Pool) *DiagnosesRepo {
	return &DiagnosesRepo{pool: pool}
}

func scanDiagnosis(row interface{ Scan(...any) error }) (models.DiagnosisEvent, error) {
	var d models.DiagnosisEvent
	err := row.Scan(&d.DiagnosisID, &d.UserID, &d.Timestamp, &d.DetectedIssue, &d.Confidence, &d.UserFeedbackCorrect, &d.UserCorrectedIssue, &d.AIExplanation, &d.Location, &d.CreatedAt)
	return d, err
}

// InsertDiagnoses copies the whole batch and the optional outbox row in one
// transaction. Nothing is stored if any row fails.
func (r *DiagnosesRepo) InsertDiagnoses(ctx context.Context, events []models.DiagnosisEvent, event *models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"diagnosis_records"},
			[]string{"diagnosis_id", "user_id", "occurred_at", "detected_issue", "confidence", "user_feedback_correct", "user_corrected_issue", "ai_explanation", "location", "created_at"},
			pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
				d := events[i]
				return []any{d.DiagnosisID, d.UserID, d.Timestamp, d.DetectedIssue, d.Confidence, d.UserFeedbackCorrect, d.UserCorrectedIssue, d.AIExplanation, d.Location, d.CreatedAt}, nil
			}),
		)
		if err != nil {
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

// CreateDiagnosis stores one attributed diagnosis. An unknown user yields
// ErrNotFound.
func (r *DiagnosesRepo) CreateDiagnosis(ctx context.Context, d models.DiagnosisEvent) (models.DiagnosisEvent, error) {
	out, err := scanDiagnosis(r.pool.QueryRow(ctx, `
		INSERT INTO diagnosis_records (`+diagnosisColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+diagnosisColumns,
		d.DiagnosisID, d.UserID, d.Timestamp, d.DetectedIssue, d.Confidence, d.UserFeedbackCorrect, d.UserCorrectedIssue, d.AIExplanation, d.Location, d.CreatedAt,
	))
	return out, mapErr(err)
}

func (r *DiagnosesRepo) GetDiagnosis(ctx context.Context, diagnosisID uuid.UUID) (models.DiagnosisEvent, error) {
	d, err := scanDiagnosis(r.pool.QueryRow(ctx, `
		SELECT `+diagnosisColumns+`
		FROM diagnosis_records
		WHERE diagnosis_id = $1
	`, diagnosisID))
	return d, mapErr(err)
}

func (r *DiagnosesRepo) DiagnosisExists(ctx context.Context, diagnosisID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM diagnosis_records WHERE diagnosis_id = $1)`, diagnosisID).Scan(&exists)
	return exists, err
}

// UpdateFeedback locks the row, lets fn decide the new feedback fields and
// writes them together with the outbox row fn returns.
func (r *DiagnosesRepo) UpdateFeedback(ctx context.Context, diagnosisID uuid.UUID, fn func(models.DiagnosisEvent) (models.DiagnosisEvent, *models.OutboxEvent, error)) (models.DiagnosisEvent, error) {
	var updated models.DiagnosisEvent
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanDiagnosis(tx.QueryRow(ctx, `
			SELECT `+diagnosisColumns+`
			FROM diagnosis_records
			WHERE diagnosis_id = $1
			FOR UPDATE
		`, diagnosisID))
		if err != nil {
			return mapErr(err)
		}

		next, event, err := fn(current)
		if err != nil {
			return err
		}
		updated, err = scanDiagnosis(tx.QueryRow(ctx, `
			UPDATE diagnosis_records
			SET user_feedback_correct = $2, user_corrected_issue = $3
			WHERE diagnosis_id = $1
			RETURNING `+diagnosisColumns,
			diagnosisID, next.UserFeedbackCorrect, next.UserCorrectedIssue,
		))
		if err != nil {
			return mapErr(err)
		}
		if event != nil {
			if _, err := insertOutbox(ctx, tx, *event); err != nil {
				return err
			}
		}
		return nil
	})
	return updated, err
}

// ListUserDiagnoses returns a user's diagnoses, newest first.
func (r *DiagnosesRepo) ListUserDiagnoses(ctx context.Context, userID uuid.UUID, limit int) ([]models.DiagnosisEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+diagnosisColumns+`
		FROM diagnosis_records
		WHERE user_id = $1
		ORDER BY occurred_at DESC, diagnosis_id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.DiagnosisEvent, 0)
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const actionItemColumns = `action_item_id, diagnosis_id, description_text, is_completed, created_at, completed_at`

func scanActionItem(row interface{ Scan(...any) error }) (models.ActionItem, error) {
	var item models.ActionItem
	err := row.Scan(&item.ActionItemID, &item.DiagnosisID, &item.DescriptionText, &item.IsCompleted, &item.CreatedAt, &item.CompletedAt)
	return item, err
}

// CreateActionItem yields ErrNotFound when the diagnosis does not exist.
func (r *DiagnosesRepo) CreateActionItem(ctx context.Context, item models.ActionItem) (models.ActionItem, error) {
	if item.ActionItemID == uuid.Nil {
		item.ActionItemID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	out, err := scanActionItem(r.pool.QueryRow(ctx, `
		INSERT INTO action_items (`+actionItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+actionItemColumns,
		item.ActionItemID, item.DiagnosisID, item.DescriptionText, item.IsCompleted, item.CreatedAt, item.CompletedAt,
	))
	return out, mapErr(err)
}

func (r *DiagnosesRepo) UpdateActionItem(ctx context.Context, itemID uuid.UUID, fn func(models.ActionItem) (models.ActionItem, error)) (models.ActionItem, error) {
	var updated models.ActionItem
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanActionItem(tx.QueryRow(ctx, `
			SELECT `+actionItemColumns+`
			FROM action_items
			WHERE action_item_id = $1
			FOR UPDATE
		`, itemID))
		if err != nil {
			return mapErr(err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		updated, err = scanActionItem(tx.QueryRow(ctx, `
			UPDATE action_items
			SET is_completed = $2, completed_at = $3
			WHERE action_item_id = $1
			RETURNING `+actionItemColumns,
			itemID, next.IsCompleted, next.CompletedAt,
		))
		return mapErr(err)
	})
	return updated, err
}

func (r *DiagnosesRepo) ListActionItems(ctx context.Context, diagnosisID uuid.UUID) ([]models.ActionItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionItemColumns+`
		FROM action_items
		WHERE diagnosis_id = $1
		ORDER BY created_at ASC, action_item_id
	`, diagnosisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ActionItem, 0)
	for rows.Next() {
		item, err := scanActionItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
