package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "gallery_idp_session"

// SessionManager handles the identity provider's cookie-backed login sessions.
type SessionManager struct {
	store        Store
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Fetch returns the session associated with the request cookie, or nil.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	ctx := r.Context()
	sess, err := sm.store.GetSession(ctx, cookie.Value)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sm.now().Before(sess.ExpiresAt) {
		_ = sm.store.DeleteSession(ctx, sess.ID)
		return nil, nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = sm.now().Add(sm.ttl)
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Create establishes a new session for user and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, user *User) (*Session, error) {
	now := sm.now()
	sess := Session{
		ID:        NewID(),
		UserID:    user.Subject,
		IDP:       user.Provider,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.SaveSession(r.Context(), sess); err != nil {
		return nil, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		// Lax so the cookie rides along on the top-level redirect back to /authorize.
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	sm.logger.Info("idp session created", "user_sub", user.Subject, "idp", user.Provider)
	return &sess, nil
}

// Save persists changes to an existing session, such as remembered consent.
func (sm *SessionManager) Save(ctx context.Context, sess *Session) error {
	return sm.store.SaveSession(ctx, *sess)
}

// Destroy deletes the server-side session and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := sm.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			sm.logger.Warn("delete idp session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
