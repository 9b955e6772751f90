package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kaapeh-copiloto/api/internal/models"
)

var auditColumns = []string{
	"occurred_at", "actor_user_id", "actor_role", "action",
	"resource_type", "resource_id", "request_id", "method", "path",
	"status_code", "duration_ms", "client_ip", "user_agent", "details",
}

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteAuditLog appends entries with COPY. Empty strings are stored as NULL.
func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			if e.OccurredAt.IsZero() {
				e.OccurredAt = now
			}
			var details any
			if len(e.Details) > 0 {
				details = e.Details
			}
			return []any{
				e.OccurredAt, e.ActorUserID, nullIfEmpty(e.ActorRole), e.Action,
				e.ResourceType, e.ResourceID, nullIfEmpty(e.RequestID), nullIfEmpty(e.Method), nullIfEmpty(e.Path),
				int32(e.StatusCode), int32(e.DurationMS), nullIfEmpty(e.ClientIP), nullIfEmpty(e.UserAgent), details,
			}, nil
		}),
	)
	return mapErr(err)
}
