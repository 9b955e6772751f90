package repos

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"kaapeh-copiloto/api/internal/models"
)

const userColumns = `user_id, username, display_name, device_id, role, preferred_language, created_at, last_login_at`

type UsersRepo struct {
	pool *pgxpool.Pool
}

func NewUsersRepo(pool *pgxpool.Pool) *UsersRepo {
	return &UsersRepo{pool: pool}
}

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var user models.User
	err := row.Scan(&user.UserID, &user.Username, &user.DisplayName, &user.DeviceID, &user.Role, &user.PreferredLanguage, &user.CreatedAt, &user.LastLoginAt)
	return user, mapErr(err)
}

// CreateUser inserts a new user. A taken username yields ErrConflict.
func (r *UsersRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.UserID == uuid.Nil {
		user.UserID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.LastLoginAt.IsZero() {
		user.LastLoginAt = user.CreatedAt
	}
	return scanUser(r.pool.QueryRow(ctx, `
		INSERT INTO users (user_id, username, display_name, device_id, role, preferred_language, created_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+userColumns,
		user.UserID, strings.TrimSpace(user.Username), user.DisplayName, user.DeviceID, user.Role, user.PreferredLanguage, user.CreatedAt, user.LastLoginAt,
	))
}

func (r *UsersRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1
	`, strings.TrimSpace(username)))
}

func (r *UsersRepo) TouchLogin(ctx context.Context, userID uuid.UUID, at time.Time) (models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `
		UPDATE users
		SET last_login_at = $2
		WHERE user_id = $1
		RETURNING `+userColumns,
		userID, at.UTC(),
	))
}

func (r *UsersRepo) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}
