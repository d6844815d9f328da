package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the identity provider's short-lived state.
//
// ConsumeAuthCode is the one operation with a strict concurrency contract: for a
// given code, concurrent callers observe exactly one success. Every failure,
// whatever the cause, is reported as ErrCodeExpiredOrConsumed.
type Store interface {
	SaveSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error

	SaveAuthRequest(ctx context.Context, req AuthRequest) error
	GetAuthRequest(ctx context.Context, id string) (AuthRequest, error)
	DeleteAuthRequest(ctx context.Context, id string) error

	SaveAuthCode(ctx context.Context, code AuthorizationCode) error
	ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string) (AuthorizationCode, error)

	SaveRefreshToken(ctx context.Context, rt RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	// TakeRefreshToken atomically reads and deletes a refresh token.
	TakeRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, id string) error

	// SaveUser records an externally provisioned user so every instance can resolve it.
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, subject string) (User, error)

	Close() error
}

// NewStore builds the store selected by cfg.
func NewStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return NewRedisStore(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewID returns a 256-bit URL-safe random identifier for codes, sessions and
// refresh tokens.
func NewID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// codeMatches is the binding check shared by both store implementations.
func codeMatches(code AuthorizationCode, clientID, redirectURI string, now time.Time) error {
	switch {
	case code.Consumed:
		return fmt.Errorf("%w: already consumed", ErrCodeExpiredOrConsumed)
	case !now.Before(code.ExpiresAt):
		return fmt.Errorf("%w: expired", ErrCodeExpiredOrConsumed)
	case code.ClientID != clientID:
		return fmt.Errorf("%w: client mismatch", ErrCodeExpiredOrConsumed)
	case code.RedirectURI != redirectURI:
		return fmt.Errorf("%w: redirect_uri mismatch", ErrCodeExpiredOrConsumed)
	}
	return nil
}
