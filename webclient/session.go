package webclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"
)

const (
	sessionCookieName     = "gallery_session"
	correlationCookieName = "gallery_correlation"
)

var (
	ErrNoSession     = errors.New("no session")
	ErrStateMismatch = errors.New("state mismatch")
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Session is the signed-in user's local state: derived claims and the tokens
// obtained from the IDP.
type Session struct {
	ID        string
	Subject   string
	Claims    map[string]any
	IDToken   string
	CreatedAt time.Time

	// mu guards token, which a refresh replaces.
	mu    sync.Mutex
	token *oauth2.Token
}

// Token returns the current token set.
func (s *Session) Token() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) setToken(tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

// DisplayName picks a name for page headers.
func (s *Session) DisplayName() string {
	for _, k := range []string{"given_name", "name"} {
		if v, ok := s.Claims[k].(string); ok && v != "" {
			return v
		}
	}
	return s.Subject
}

// PendingLogin is what the client remembers between redirecting to the IDP
// and the callback.
type PendingLogin struct {
	State    string
	Nonce    string
	Verifier string
	ReturnTo string
	Retry    bool
}

// SessionStore keeps sessions and pending logins in memory. Cookies only carry
// signed identifiers.
type SessionStore struct {
	sessions *ttlcache.Cache[string, *Session]
	pending  *ttlcache.Cache[string, PendingLogin]
	key      []byte
	secure   bool
	domain   string
	now      func() time.Time
}

// NewSessionStore builds the store. In dev mode a missing signing key is
// replaced by a random one, so sessions do not survive a restart.
func NewSessionStore(cfg Config) (*SessionStore, error) {
	key := []byte(cfg.Session.SigningKey)
	if len(key) == 0 {
		if !cfg.Server.DevMode {
			return nil, errors.New("session signing key is required")
		}
		key = make([]byte, minSigningKeyLength)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
	}

	s := &SessionStore{
		// Reads extend the TTL, giving a sliding expiry.
		sessions: ttlcache.New(ttlcache.WithTTL[string, *Session](cfg.Session.TTL)),
		pending: ttlcache.New(
			ttlcache.WithTTL[string, PendingLogin](DefaultPendingTTL),
			ttlcache.WithDisableTouchOnHit[string, PendingLogin](),
		),
		key:    key,
		secure: !cfg.Server.DevMode,
		domain: cfg.Server.CookieDomain,
		now:    time.Now,
	}
	go s.sessions.Start()
	go s.pending.Start()
	return s, nil
}

// Close stops the eviction loops.
func (s *SessionStore) Close() {
	s.sessions.Stop()
	s.pending.Stop()
}

// Create stores sess under a fresh ID and sets the session cookie.
func (s *SessionStore) Create(w http.ResponseWriter, sess *Session) error {
	sess.ID = rand.Text()
	sess.CreatedAt = s.now()
	value, err := s.sign("session", sess.ID, 0)
	if err != nil {
		return err
	}
	s.sessions.Set(sess.ID, sess, ttlcache.DefaultTTL)
	s.setCookie(w, sessionCookieName, value, 0)
	return nil
}

// Load returns the session named by the request cookie.
func (s *SessionStore) Load(r *http.Request) (*Session, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	id, err := s.verify("session", c.Value)
	if err != nil {
		return nil, ErrNoSession
	}
	item := s.sessions.Get(id)
	if item == nil {
		return nil, ErrNoSession
	}
	return item.Value(), nil
}

// Destroy drops the session and clears the cookie.
func (s *SessionStore) Destroy(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		if id, err := s.verify("session", c.Value); err == nil {
			s.sessions.Delete(id)
		}
	}
	s.setCookie(w, sessionCookieName, "", -1)
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	return s.sessions.Len()
}

// BeginLogin remembers p and binds it to this browser with a correlation cookie.
func (s *SessionStore) BeginLogin(w http.ResponseWriter, p PendingLogin) error {
	value, err := s.sign("correlation", p.State, DefaultPendingTTL)
	if err != nil {
		return err
	}
	s.pending.Set(p.State, p, ttlcache.DefaultTTL)
	s.setCookie(w, correlationCookieName, value, int(DefaultPendingTTL.Seconds()))
	return nil
}

// FinishLogin returns the pending login for state. The state must match both the
// correlation cookie and a live pending entry; the entry is consumed either way.
func (s *SessionStore) FinishLogin(w http.ResponseWriter, r *http.Request, state string) (PendingLogin, error) {
	s.setCookie(w, correlationCookieName, "", -1)
	if state == "" {
		return PendingLogin{}, fmt.Errorf("%w: no state", ErrStateMismatch)
	}
	p, found := s.pending.GetAndDelete(state)

	c, err := r.Cookie(correlationCookieName)
	if err != nil {
		return PendingLogin{}, fmt.Errorf("%w: no correlation cookie", ErrStateMismatch)
	}
	bound, err := s.verify("correlation", c.Value)
	if err != nil || bound != state {
		return PendingLogin{}, fmt.Errorf("%w: correlation cookie does not match", ErrStateMismatch)
	}
	if !found {
		return PendingLogin{}, fmt.Errorf("%w: unknown or expired state", ErrStateMismatch)
	}
	return p.Value(), nil
}

func (s *SessionStore) sign(purpose, value string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:  purpose,
		ID:       value,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign %s cookie: %w", purpose, err)
	}
	return signed, nil
}

func (s *SessionStore) verify(purpose, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(purpose),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", errors.New("cookie carries no identifier")
	}
	return claims.ID, nil
}

func (s *SessionStore) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   s.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

type sessionKey struct{}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the session attached by the requireSession middleware.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok && sess != nil
}
