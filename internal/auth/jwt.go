package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/example/rider-relay/internal/models"
)

var (
	ErrMissingToken     = errors.New("auth token missing")
	ErrInvalidToken     = errors.New("auth token invalid")
	ErrRevokedToken     = errors.New("auth token revoked")
	ErrRoleForbidden    = errors.New("token role does not match requested role")
	ErrSubjectMismatch  = errors.New("token subject does not match rider id")
	errEmptySecret      = errors.New("jwt secret is empty")
	errUnexpectedMethod = errors.New("unexpected signing method")
)

// Claims carries the connection role next to the standard claims. For riders
// the subject is the rider id.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// revocationStore is the slice of the redis client the validator needs.
type revocationStore interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

type Validator struct {
	secret        []byte
	store         revocationStore
	revocationKey string
	logger        *slog.Logger
	now           func() time.Time
}

// NewValidator builds an HS256 validator. store may be nil, in which case
// revocation is not checked.
func NewValidator(secret string, store revocationStore, revocationKey string, logger *slog.Logger) (*Validator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errEmptySecret
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		secret:        []byte(secret),
		store:         store,
		revocationKey: revocationKey,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (v *Validator) Issue(subject string, role models.Role, ttl time.Duration) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("invalid role %q", role)
	}
	if role == models.RoleRider && strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: rider token needs a subject", ErrSubjectMismatch)
	}
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", subject, now.UnixNano()),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate checks signature, expiry and the revocation list.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", errUnexpectedMethod, t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// fail open so a redis outage does not lock every client out
		v.logger.Error("revocation_check_failed", "jti", claims.ID, "error", err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

func (v *Validator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.store == nil || jti == "" {
		return false, nil
	}
	n, err := v.store.Exists(ctx, v.revocationKey+":"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

// Authorize binds the requested role and rider id to the token. It returns
// the rider id the connection should be bound to, which for riders defaults
// to the token subject. Rider tokens without a subject are rejected.
func Authorize(c *Claims, role models.Role, riderID string) (string, error) {
	if c.Role != role {
		return "", ErrRoleForbidden
	}
	if role != models.RoleRider {
		return riderID, nil
	}
	if strings.TrimSpace(c.Subject) == "" {
		return "", ErrSubjectMismatch
	}
	if riderID == "" {
		return c.Subject, nil
	}
	if riderID != c.Subject {
		return "", ErrSubjectMismatch
	}
	return riderID, nil
}

// TokenFromRequest reads "Authorization: Bearer <token>" and falls back to the
// token query parameter, which browsers need for websocket handshakes.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
