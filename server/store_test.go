package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// storeFactories runs each test against both drivers.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store {
			s := NewMemoryStore()
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func() Store {
			s, _ := newTestRedisStore(t)
			return s
		},
	}
}

func testCode(code string, ttl time.Duration) AuthorizationCode {
	now := time.Now()
	return AuthorizationCode{
		Code:        code,
		ClientID:    "imagegalleryclient",
		RedirectURI: "https://client/callback",
		Scope:       "openid imagegalleryapiscope",
		UserID:      "user-1",
		SessionID:   "session-1",
		AuthTime:    now,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestStoreConsumeAuthCodeOnce(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()
			if err := store.SaveAuthCode(ctx, testCode("c1", time.Minute)); err != nil {
				t.Fatalf("SaveAuthCode: %v", err)
			}

			got, err := store.ConsumeAuthCode(ctx, "c1", "imagegalleryclient", "https://client/callback")
			if err != nil {
				t.Fatalf("first consume: %v", err)
			}
			if got.UserID != "user-1" || got.Scope != "openid imagegalleryapiscope" {
				t.Fatalf("unexpected code payload: %+v", got)
			}
			if !got.Consumed {
				t.Fatalf("expected returned code to be marked consumed")
			}

			_, err = store.ConsumeAuthCode(ctx, "c1", "imagegalleryclient", "https://client/callback")
			if !errors.Is(err, ErrCodeExpiredOrConsumed) {
				t.Fatalf("second consume: expected ErrCodeExpiredOrConsumed, got %v", err)
			}
		})
	}
}

func TestStoreConsumeAuthCodeConcurrentExactlyOnce(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()
			if err := store.SaveAuthCode(ctx, testCode("race", time.Minute)); err != nil {
				t.Fatalf("SaveAuthCode: %v", err)
			}

			const workers = 16
			var wins, losses atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := store.ConsumeAuthCode(ctx, "race", "imagegalleryclient", "https://client/callback")
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrCodeExpiredOrConsumed):
						losses.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			if wins.Load() != 1 || losses.Load() != workers-1 {
				t.Fatalf("expected exactly one success, got %d successes and %d failures", wins.Load(), losses.Load())
			}
		})
	}
}

func TestStoreConsumeAuthCodeBindingMismatch(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()
			if err := store.SaveAuthCode(ctx, testCode("bound", time.Minute)); err != nil {
				t.Fatalf("SaveAuthCode: %v", err)
			}

			cases := []struct {
				name        string
				code        string
				clientID    string
				redirectURI string
			}{
				{"other client", "bound", "someoneelse", "https://client/callback"},
				{"other redirect", "bound", "imagegalleryclient", "https://evil/callback"},
				{"unknown code", "missing", "imagegalleryclient", "https://client/callback"},
			}
			for _, tc := range cases {
				if _, err := store.ConsumeAuthCode(ctx, tc.code, tc.clientID, tc.redirectURI); !errors.Is(err, ErrCodeExpiredOrConsumed) {
					t.Fatalf("%s: expected ErrCodeExpiredOrConsumed, got %v", tc.name, err)
				}
			}

			// A mismatched attempt does not burn the code for its rightful client.
			if _, err := store.ConsumeAuthCode(ctx, "bound", "imagegalleryclient", "https://client/callback"); err != nil {
				t.Fatalf("expected rightful redemption to succeed after mismatches: %v", err)
			}
		})
	}
}

func TestMemoryStoreConsumeExpiredCode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	code := testCode("old", time.Minute)
	if err := store.SaveAuthCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}
	store.now = func() time.Time { return code.ExpiresAt }

	if _, err := store.ConsumeAuthCode(ctx, "old", code.ClientID, code.RedirectURI); !errors.Is(err, ErrCodeExpiredOrConsumed) {
		t.Fatalf("expected expired code to be rejected, got %v", err)
	}
}

func TestRedisStoreConsumeExpiredCode(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	code := testCode("old", time.Minute)
	if err := store.SaveAuthCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}
	// The record is still present but its expiry has passed.
	store.now = func() time.Time { return code.ExpiresAt.Add(time.Second) }
	if _, err := store.ConsumeAuthCode(ctx, "old", code.ClientID, code.RedirectURI); !errors.Is(err, ErrCodeExpiredOrConsumed) {
		t.Fatalf("expected expired code to be rejected, got %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if mr.Exists("test:code:old") {
		t.Fatalf("expected code key to expire in redis")
	}
}

func TestRedisStoreConsumeKeepsTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	if err := store.SaveAuthCode(ctx, testCode("ttl", time.Minute)); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}
	if _, err := store.ConsumeAuthCode(ctx, "ttl", "imagegalleryclient", "https://client/callback"); err != nil {
		t.Fatalf("ConsumeAuthCode: %v", err)
	}
	if ttl := mr.TTL("test:code:ttl"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected consumed code to keep its expiry, ttl=%s", ttl)
	}
}

func TestStoreRefreshTokenTakeOnce(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()
			rt := RefreshToken{
				ID:        "rt-1",
				ClientID:  "imagegalleryclient",
				UserID:    "user-1",
				Scope:     "openid offline_access",
				Audience:  []string{"imagegalleryapi"},
				IssuedAt:  time.Now(),
				ExpiresAt: time.Now().Add(time.Hour),
			}
			if err := store.SaveRefreshToken(ctx, rt); err != nil {
				t.Fatalf("SaveRefreshToken: %v", err)
			}

			got, err := store.GetRefreshToken(ctx, "rt-1")
			if err != nil || got.UserID != "user-1" || len(got.Audience) != 1 {
				t.Fatalf("GetRefreshToken: %+v, %v", got, err)
			}
			if _, err := store.TakeRefreshToken(ctx, "rt-1"); err != nil {
				t.Fatalf("first take: %v", err)
			}
			if _, err := store.TakeRefreshToken(ctx, "rt-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second take: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreExternalUsers(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()
			u := User{Subject: "corp:42", Username: "corp:42", Provider: "corp", Claims: map[string]string{"name": "Ann"}}
			if err := store.SaveUser(ctx, u); err != nil {
				t.Fatalf("SaveUser: %v", err)
			}
			got, err := store.GetUser(ctx, "corp:42")
			if err != nil || got.Provider != "corp" || got.Claims["name"] != "Ann" {
				t.Fatalf("GetUser: %+v, %v", got, err)
			}
			if _, err := store.GetUser(ctx, "corp:43"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreSessionsAndAuthRequests(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()

			sess := Session{
				ID:        "s1",
				UserID:    "user-1",
				IDP:       localProviderName,
				AuthTime:  time.Now(),
				ExpiresAt: time.Now().Add(time.Hour),
				Consents:  map[string]string{"imagegalleryclient": "openid profile"},
			}
			if err := store.SaveSession(ctx, sess); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}
			got, err := store.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if !got.HasConsent("imagegalleryclient", "profile openid") {
				t.Fatalf("expected remembered consent to round trip: %+v", got)
			}
			if err := store.DeleteSession(ctx, "s1"); err != nil {
				t.Fatalf("DeleteSession: %v", err)
			}
			if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected deleted session to be gone, got %v", err)
			}

			req := AuthRequest{ID: "r1", ClientID: "imagegalleryclient", State: "xyz", CreatedAt: time.Now()}
			if err := store.SaveAuthRequest(ctx, req); err != nil {
				t.Fatalf("SaveAuthRequest: %v", err)
			}
			gotReq, err := store.GetAuthRequest(ctx, "r1")
			if err != nil || gotReq.State != "xyz" {
				t.Fatalf("GetAuthRequest: %+v, %v", gotReq, err)
			}
		})
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewStore(context.Background(), StorageConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("expected unknown driver to be rejected")
	}
}

func TestNewStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewStore(context.Background(), StorageConfig{Driver: "redis", RedisURL: "redis://" + mr.Addr(), KeyPrefix: "x:"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*RedisStore); !ok {
		t.Fatalf("expected *RedisStore, got %T", store)
	}
}
