// Package auth implements AuthGate: verification of the bearer credential
// presented at connect time, producing an authenticated Identity.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/config"
	"github.com/livestage/sfu-gateway/internal/metrics"
)

// Identity is the authenticated caller attached to a Connection. Immutable
// for the connection's lifetime.
type Identity struct {
	UserID      int64
	DisplayName string
	AvatarRef   string
}

// Claims is the shape this service expects inside the bearer token.
type Claims struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	jwt.RegisteredClaims
}

// Gate validates bearer credentials against a shared HMAC secret and a
// Redis-backed revocation set.
type Gate struct {
	secret      []byte
	maxTokenAge time.Duration
	allowedOrigins map[string]struct{}
	redis       *redis.Client
	logger      *zap.Logger
}

func New(cfg config.AuthConfig, allowedOrigins []string, redisClient *redis.Client, logger *zap.Logger) *Gate {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Gate{
		secret:         []byte(cfg.SharedSecret),
		maxTokenAge:    cfg.MaxTokenAge,
		allowedOrigins: origins,
		redis:          redisClient,
		logger:         logger,
	}
}

// Authenticate validates a bearer credential (with or without the "Bearer "
// prefix stripped already) and returns the authenticated Identity.
func (g *Gate) Authenticate(ctx context.Context, rawToken string) (*Identity, error) {
	token := strings.TrimPrefix(rawToken, "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		metrics.RecordAuthOutcome("auth_required")
		return nil, apperr.New(apperr.AuthRequired, "missing credential")
	}

	revoked, err := g.isRevoked(ctx, token)
	if err != nil {
		metrics.RecordAuthOutcome("auth_failed")
		return nil, apperr.Wrap(apperr.AuthFailed, "revocation check failed", err)
	}
	if revoked {
		metrics.RecordAuthOutcome("invalid_credentials")
		return nil, apperr.New(apperr.InvalidCredentials, "credential revoked")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		metrics.RecordAuthOutcome("invalid_credentials")
		return nil, apperr.Wrap(apperr.InvalidCredentials, "token invalid", err)
	}

	if err := g.checkAge(claims); err != nil {
		metrics.RecordAuthOutcome("invalid_credentials")
		return nil, err
	}

	if claims.UserID == 0 {
		metrics.RecordAuthOutcome("invalid_credentials")
		return nil, apperr.New(apperr.InvalidCredentials, "missing userId claim")
	}

	metrics.RecordAuthOutcome("ok")
	return &Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		AvatarRef:   claims.AvatarRef,
	}, nil
}

func (g *Gate) checkAge(claims *Claims) error {
	if claims.IssuedAt == nil {
		// No issued-at claim: apply a ceiling by requiring expiry instead.
		if claims.ExpiresAt == nil {
			return apperr.New(apperr.InvalidCredentials, "token has neither iat nor exp")
		}
		return nil
	}
	if time.Since(claims.IssuedAt.Time) > g.maxTokenAge {
		return apperr.New(apperr.InvalidCredentials, "token exceeds max age")
	}
	return nil
}

// CheckOrigin enforces the configured allow-list. An absent origin header is
// allowed (non-browser clients don't send one).
func (g *Gate) CheckOrigin(origin string) error {
	if origin == "" {
		return nil
	}
	if _, ok := g.allowedOrigins["*"]; ok {
		return nil
	}
	if _, ok := g.allowedOrigins[origin]; ok {
		return nil
	}
	return apperr.New(apperr.OriginNotAllowed, "origin not permitted")
}

func (g *Gate) isRevoked(ctx context.Context, token string) (bool, error) {
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])
	n, err := g.redis.Exists(ctx, "auth:revoked:"+hash).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

// Revoke marks a credential as revoked until its natural expiry.
func (g *Gate) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])
	return g.redis.Set(ctx, "auth:revoked:"+hash, 1, ttl).Err()
}
