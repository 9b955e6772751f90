package authx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient role")
	ErrUnknownRole  = errors.New("unknown role")
)

const (
	RoleProducer   = "producer"
	RoleTechnician = "technician"
)

var roleAliases = map[string]string{
	"producer":   RoleProducer,
	"productor":  RoleProducer,
	"farmer":     RoleProducer,
	"technician": RoleTechnician,
	"tecnico":    RoleTechnician,
	"técnico":    RoleTechnician,
}

// NormalizeRole maps a caller-supplied role onto the fixed role set. An
// empty role resolves to the producer default.
func NormalizeRole(raw string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return RoleProducer, nil
	}
	if role, ok := roleAliases[key]; ok {
		return role, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

type AuthContext struct {
	UserID    uuid.UUID
	Role      string
	ExpiresAt time.Time
}

func (a AuthContext) IsTechnician() bool {
	return a.Role == RoleTechnician
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 access tokens with a shared secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

func NewTokenIssuer(secret string, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be > 0")
	}
	issuer = strings.TrimSpace(issuer)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	t := &TokenIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
	opts = append(opts, jwt.WithTimeFunc(func() time.Time { return t.now() }))
	t.parser = jwt.NewParser(opts...)
	return t, nil
}

func (t *TokenIssuer) TTL() time.Duration {
	return t.ttl
}

func (t *TokenIssuer) Issue(userID uuid.UUID, role string) (string, time.Time, error) {
	if userID == uuid.Nil {
		return "", time.Time{}, errors.New("user id is required")
	}
	now := t.now().UTC()
	expiresAt := now.Add(t.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (t *TokenIssuer) Verify(rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrMissingToken
	}

	claims := &Claims{}
	_, err := t.parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(strings.TrimSpace(claims.Subject))
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	role, err := NormalizeRole(claims.Role)
	if err != nil || strings.TrimSpace(claims.Role) == "" {
		return AuthContext{}, fmt.Errorf("%w: bad role", ErrInvalidToken)
	}

	auth := AuthContext{UserID: userID, Role: role}
	if claims.ExpiresAt != nil {
		auth.ExpiresAt = claims.ExpiresAt.Time
	}
	return auth, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
