package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"kaapeh-copiloto/api/internal/models"
	"kaapeh-copiloto/api/internal/repos"
	"kaapeh-copiloto/shared/authx"
	"kaapeh-copiloto/shared/logx"
)

const (
	DefaultLanguage   = "es"
	MaxUsernameLength = 100
	maxLanguageLength = 10

	MessageUserCreated = "User created successfully"
	MessageLogin       = "Login successful"
	MessageRegistered  = "Registration successful"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUserExists      = errors.New("user already exists")
	ErrNotFound        = errors.New("user not found")
)

type Store interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	TouchLogin(ctx context.Context, userID uuid.UUID, at time.Time) (models.User, error)
}

type AccessibilityStore interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (models.AccessibilityConfig, error)
	Update(ctx context.Context, userID uuid.UUID, fn func(models.AccessibilityConfig) models.AccessibilityConfig) (models.AccessibilityConfig, error)
}

type TokenIssuer interface {
	Issue(userID uuid.UUID, role string) (string, time.Time, error)
}

// AuthResult is returned by login and register. Token is nil unless the
// user is a technician.
type AuthResult struct {
	UserID    uuid.UUID  `json:"user_id"`
	Token     *string    `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Role      string     `json:"role"`
	Message   string     `json:"message"`
}

type RegisterInput struct {
	Username          string  `json:"username"`
	Role              string  `json:"role"`
	PreferredLanguage string  `json:"preferred_language"`
	DisplayName       *string `json:"display_name"`
	DeviceID          *string `json:"device_id"`
}

type AccessibilityPatch struct {
	LargeTextEnabled          *bool `json:"large_text_enabled"`
	HighContrastEnabled       *bool `json:"high_contrast_enabled"`
	VoiceInteractionPreferred *bool `json:"voice_interaction_preferred"`
	OnboardingCompleted       *bool `json:"onboarding_completed"`
}

type Service struct {
	users  Store
	prefs  AccessibilityStore
	tokens TokenIssuer
	logger logx.Logger
	now    func() time.Time
}

func NewService(users Store, prefs AccessibilityStore, tokens TokenIssuer, logger logx.Logger) *Service {
	return &Service{users: users, prefs: prefs, tokens: tokens, logger: logger, now: time.Now}
}

func normalizeUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	if username == "" {
		return "", fmt.Errorf("%w: username is required", ErrInvalidArgument)
	}
	if len(username) > MaxUsernameLength {
		return "", fmt.Errorf("%w: username exceeds %d characters", ErrInvalidArgument, MaxUsernameLength)
	}
	return username, nil
}

// Login loads the user and refreshes last_login_at, creating a producer
// account on first sight.
func (s *Service) Login(ctx context.Context, rawUsername string) (AuthResult, error) {
	username, err := normalizeUsername(rawUsername)
	if err != nil {
		return AuthResult{}, err
	}
	now := s.now().UTC()

	message := MessageLogin
	user, err := s.users.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, repos.ErrNotFound):
		user, err = s.users.CreateUser(ctx, models.User{
			UserID:            uuid.New(),
			Username:          username,
			Role:              authx.RoleProducer,
			PreferredLanguage: DefaultLanguage,
			CreatedAt:         now,
			LastLoginAt:       now,
		})
		if errors.Is(err, repos.ErrConflict) {
			// Lost a race with a concurrent first login.
			return s.refresh(ctx, username, now)
		}
		if err != nil {
			return AuthResult{}, fmt.Errorf("create user: %w", err)
		}
		message = MessageUserCreated
		s.logger.Info(ctx, "user_created", "user created on first login",
			slog.String("user_id", user.UserID.String()),
			slog.String("role", user.Role),
		)
	case err != nil:
		return AuthResult{}, fmt.Errorf("load user: %w", err)
	default:
		user, err = s.users.TouchLogin(ctx, user.UserID, now)
		if err != nil {
			return AuthResult{}, fmt.Errorf("refresh login: %w", err)
		}
	}
	return s.result(user, message)
}

func (s *Service) refresh(ctx context.Context, username string, now time.Time) (AuthResult, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return AuthResult{}, fmt.Errorf("load user: %w", err)
	}
	user, err = s.users.TouchLogin(ctx, user.UserID, now)
	if err != nil {
		return AuthResult{}, fmt.Errorf("refresh login: %w", err)
	}
	return s.result(user, MessageLogin)
}

// Register creates a user with an explicit role. An existing username
// yields ErrUserExists.
func (s *Service) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	username, err := normalizeUsername(in.Username)
	if err != nil {
		return AuthResult{}, err
	}
	role, err := authx.NormalizeRole(in.Role)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	lang, err := normalizeLanguage(in.PreferredLanguage)
	if err != nil {
		return AuthResult{}, err
	}

	now := s.now().UTC()
	user, err := s.users.CreateUser(ctx, models.User{
		UserID:            uuid.New(),
		Username:          username,
		DisplayName:       nonBlank(in.DisplayName),
		DeviceID:          nonBlank(in.DeviceID),
		Role:              role,
		PreferredLanguage: lang,
		CreatedAt:         now,
		LastLoginAt:       now,
	})
	if errors.Is(err, repos.ErrConflict) {
		return AuthResult{}, ErrUserExists
	}
	if err != nil {
		return AuthResult{}, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info(ctx, "user_registered", "user registered",
		slog.String("user_id", user.UserID.String()),
		slog.String("role", user.Role),
	)
	return s.result(user, MessageRegistered)
}

func (s *Service) result(user models.User, message string) (AuthResult, error) {
	out := AuthResult{UserID: user.UserID, Role: user.Role, Message: message}
	if user.Role != authx.RoleTechnician {
		return out, nil
	}
	if s.tokens == nil {
		return AuthResult{}, errors.New("token issuer not configured")
	}
	token, expiresAt, err := s.tokens.Issue(user.UserID, user.Role)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue token: %w", err)
	}
	out.Token = &token
	out.ExpiresAt = &expiresAt
	return out, nil
}

func (s *Service) Accessibility(ctx context.Context, userID uuid.UUID) (models.AccessibilityConfig, error) {
	cfg, err := s.prefs.GetOrCreate(ctx, userID)
	if errors.Is(err, repos.ErrNotFound) {
		return models.AccessibilityConfig{}, ErrNotFound
	}
	return cfg, err
}

// UpdateAccessibility applies only the fields present in patch.
func (s *Service) UpdateAccessibility(ctx context.Context, userID uuid.UUID, patch AccessibilityPatch) (models.AccessibilityConfig, error) {
	cfg, err := s.prefs.Update(ctx, userID, func(c models.AccessibilityConfig) models.AccessibilityConfig {
		setIf(&c.LargeTextEnabled, patch.LargeTextEnabled)
		setIf(&c.HighContrastEnabled, patch.HighContrastEnabled)
		setIf(&c.VoiceInteractionPreferred, patch.VoiceInteractionPreferred)
		setIf(&c.OnboardingCompleted, patch.OnboardingCompleted)
		return c
	})
	if errors.Is(err, repos.ErrNotFound) {
		return models.AccessibilityConfig{}, ErrNotFound
	}
	return cfg, err
}

func normalizeLanguage(raw string) (string, error) {
	lang := strings.ToLower(strings.TrimSpace(raw))
	if lang == "" {
		return DefaultLanguage, nil
	}
	if len(lang) > maxLanguageLength || strings.ContainsAny(lang, " \t") {
		return "", fmt.Errorf("%w: invalid preferred_language %q", ErrInvalidArgument, raw)
	}
	return lang, nil
}

func setIf(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func nonBlank(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
