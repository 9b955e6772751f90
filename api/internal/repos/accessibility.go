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

const accessibilityColumns = `user_id, large_text_enabled, high_contrast_enabled, voice_interaction_preferred, onboarding_completed, updated_at`

type AccessibilityRepo struct {
	pool *pgxpool.Pool
}

func NewAccessibilityRepo(pool *pgxpool.Pool) *AccessibilityRepo {
	return &AccessibilityRepo{pool: pool}
}

func scanAccessibility(row interface{ Scan(...any) error }) (models.AccessibilityConfig, error) {
	var c models.AccessibilityConfig
	err := row.Scan(&c.UserID, &c.LargeTextEnabled, &c.HighContrastEnabled, &c.VoiceInteractionPreferred, &c.OnboardingCompleted, &c.UpdatedAt)
	return c, err
}

func getOrCreateAccessibility(ctx context.Context, db DBTX, userID uuid.UUID, lock bool) (models.AccessibilityConfig, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO accessibility_configs (user_id, updated_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, time.Now().UTC())
	if err != nil {
		return models.AccessibilityConfig{}, mapErr(err)
	}
	query := `SELECT ` + accessibilityColumns + ` FROM accessibility_configs WHERE user_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	cfg, err := scanAccessibility(db.QueryRow(ctx, query, userID))
	return cfg, mapErr(err)
}

// GetOrCreate returns the stored preferences, creating defaults on first
// access. An unknown user yields ErrNotFound.
func (r *AccessibilityRepo) GetOrCreate(ctx context.Context, userID uuid.UUID) (models.AccessibilityConfig, error) {
	return getOrCreateAccessibility(ctx, r.pool, userID, false)
}

func (r *AccessibilityRepo) Update(ctx context.Context, userID uuid.UUID, fn func(models.AccessibilityConfig) models.AccessibilityConfig) (models.AccessibilityConfig, error) {
	var updated models.AccessibilityConfig
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getOrCreateAccessibility(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		next := fn(current)
		updated, err = scanAccessibility(tx.QueryRow(ctx, `
			UPDATE accessibility_configs
			SET large_text_enabled = $2, high_contrast_enabled = $3, voice_interaction_preferred = $4, onboarding_completed = $5, updated_at = $6
			WHERE user_id = $1
			RETURNING `+accessibilityColumns,
			userID, next.LargeTextEnabled, next.HighContrastEnabled, next.VoiceInteractionPreferred, next.OnboardingCompleted, time.Now().UTC(),
		))
		return mapErr(err)
	})
	return updated, err
}
