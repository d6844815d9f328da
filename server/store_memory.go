package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps identity provider state in process, with TTL eviction.
type MemoryStore struct {
	// mu serialises code redemption and refresh token takes.
	mu            sync.Mutex
	sessions      *ttlcache.Cache[string, Session]
	authRequests  *ttlcache.Cache[string, AuthRequest]
	authCodes     *ttlcache.Cache[string, AuthorizationCode]
	refreshTokens *ttlcache.Cache[string, RefreshToken]
	users         *ttlcache.Cache[string, User]
	now           func() time.Time
}

// NewMemoryStore constructs the store and starts its eviction loops.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: ttlcache.New(
			ttlcache.WithTTL[string, Session](DefaultSessionTTL),
			ttlcache.WithDisableTouchOnHit[string, Session](),
		),
		authRequests: ttlcache.New(
			ttlcache.WithTTL[string, AuthRequest](DefaultAuthRequestTTL),
			ttlcache.WithDisableTouchOnHit[string, AuthRequest](),
		),
		authCodes: ttlcache.New(
			ttlcache.WithTTL[string, AuthorizationCode](DefaultCodeTTL),
			ttlcache.WithDisableTouchOnHit[string, AuthorizationCode](),
		),
		refreshTokens: ttlcache.New(
			ttlcache.WithTTL[string, RefreshToken](DefaultRefreshTTL),
			ttlcache.WithDisableTouchOnHit[string, RefreshToken](),
		),
		users: ttlcache.New[string, User](),
		now:   time.Now,
	}
	go s.sessions.Start()
	go s.authRequests.Start()
	go s.authCodes.Start()
	go s.refreshTokens.Start()
	return s
}

func (s *MemoryStore) ttlUntil(t time.Time) time.Duration {
	d := t.Sub(s.now())
	if d <= 0 {
		// ttlcache treats 0 as "use the default", so expire on the next tick instead.
		return time.Millisecond
	}
	return d
}

// SaveSession stores or replaces a session until its expiry.
func (s *MemoryStore) SaveSession(_ context.Context, sess Session) error {
	s.sessions.Set(sess.ID, sess, s.ttlUntil(sess.ExpiresAt))
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	item := s.sessions.Get(id)
	if item == nil {
		return Session{}, ErrNotFound
	}
	return item.Value(), nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.sessions.Delete(id)
	return nil
}

// SaveAuthRequest parks an authorize request.
func (s *MemoryStore) SaveAuthRequest(_ context.Context, req AuthRequest) error {
	s.authRequests.Set(req.ID, req, ttlcache.DefaultTTL)
	return nil
}

// GetAuthRequest retrieves a parked authorize request.
func (s *MemoryStore) GetAuthRequest(_ context.Context, id string) (AuthRequest, error) {
	item := s.authRequests.Get(id)
	if item == nil {
		return AuthRequest{}, ErrNotFound
	}
	return item.Value(), nil
}

// DeleteAuthRequest drops a parked authorize request.
func (s *MemoryStore) DeleteAuthRequest(_ context.Context, id string) error {
	s.authRequests.Delete(id)
	return nil
}

// SaveAuthCode persists an authorization code until its expiry.
func (s *MemoryStore) SaveAuthCode(_ context.Context, code AuthorizationCode) error {
	s.authCodes.Set(code.Code, code, s.ttlUntil(code.ExpiresAt))
	return nil
}

// ConsumeAuthCode marks the code consumed if it is live and bound to clientID
// and redirectURI. A consumed code is kept until expiry so replays stay visible.
func (s *MemoryStore) ConsumeAuthCode(_ context.Context, code, clientID, redirectURI string) (AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.authCodes.Get(code)
	if item == nil {
		return AuthorizationCode{}, fmt.Errorf("%w: unknown code", ErrCodeExpiredOrConsumed)
	}
	auth := item.Value()
	if err := codeMatches(auth, clientID, redirectURI, s.now()); err != nil {
		return AuthorizationCode{}, err
	}

	auth.Consumed = true
	s.authCodes.Set(code, auth, s.ttlUntil(auth.ExpiresAt))
	return auth, nil
}

// SaveRefreshToken stores a refresh token until its expiry.
func (s *MemoryStore) SaveRefreshToken(_ context.Context, rt RefreshToken) error {
	s.refreshTokens.Set(rt.ID, rt, s.ttlUntil(rt.ExpiresAt))
	return nil
}

// GetRefreshToken fetches a refresh token by ID.
func (s *MemoryStore) GetRefreshToken(_ context.Context, id string) (RefreshToken, error) {
	item := s.refreshTokens.Get(id)
	if item == nil {
		return RefreshToken{}, ErrNotFound
	}
	return item.Value(), nil
}

// TakeRefreshToken removes and returns a refresh token.
func (s *MemoryStore) TakeRefreshToken(_ context.Context, id string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.refreshTokens.GetAndDelete(id)
	if !ok || item == nil {
		return RefreshToken{}, ErrNotFound
	}
	return item.Value(), nil
}

// DeleteRefreshToken removes a refresh token.
func (s *MemoryStore) DeleteRefreshToken(_ context.Context, id string) error {
	s.refreshTokens.Delete(id)
	return nil
}

// SaveUser records an external user. Users never expire.
func (s *MemoryStore) SaveUser(_ context.Context, u User) error {
	s.users.Set(u.Subject, u, ttlcache.NoTTL)
	return nil
}

// GetUser returns a recorded external user.
func (s *MemoryStore) GetUser(_ context.Context, subject string) (User, error) {
	item := s.users.Get(subject)
	if item == nil {
		return User{}, ErrNotFound
	}
	return item.Value(), nil
}

// Close stops the eviction loops.
func (s *MemoryStore) Close() error {
	s.sessions.Stop()
	s.authRequests.Stop()
	s.authCodes.Stop()
	s.refreshTokens.Stop()
	return nil
}
