package server

import (
	"crypto/subtle"
	"fmt"
	"maps"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// User is a resource owner known to the identity provider.
type User struct {
	Subject      string
	Username     string
	Provider     string
	Claims       map[string]string
	passwordHash []byte
}

// UserStore holds seeded local users and external users provisioned on first login.
type UserStore struct {
	mu         sync.RWMutex
	bySubject  map[string]*User
	byUsername map[string]*User
	dummyHash  []byte
}

// NewUserStore hashes any plaintext seed passwords and indexes the users.
func NewUserStore(cfgs []UserConfig) (*UserStore, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}

	us := &UserStore{
		bySubject:  make(map[string]*User, len(cfgs)),
		byUsername: make(map[string]*User, len(cfgs)),
		dummyHash:  dummy,
	}
	for _, cfg := range cfgs {
		hash := []byte(cfg.PasswordHash)
		if len(hash) == 0 {
			hash, err = bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for %s: %w", cfg.Username, err)
			}
		}
		claims := maps.Clone(cfg.Claims)
		if claims == nil {
			claims = map[string]string{}
		}
		if _, ok := claims["name"]; !ok {
			if name := strings.TrimSpace(claims["given_name"] + " " + claims["family_name"]); name != "" {
				claims["name"] = name
			}
		}
		u := &User{
			Subject:      cfg.Subject,
			Username:     cfg.Username,
			Provider:     localProviderName,
			Claims:       claims,
			passwordHash: hash,
		}
		us.bySubject[u.Subject] = u
		us.byUsername[strings.ToLower(u.Username)] = u
	}
	return us, nil
}

// Authenticate checks a username/password pair. Unknown usernames still pay
// for one bcrypt comparison.
func (us *UserStore) Authenticate(username, password string) (*User, error) {
	us.mu.RLock()
	u, ok := us.byUsername[strings.ToLower(strings.TrimSpace(username))]
	us.mu.RUnlock()

	hash := us.dummyHash
	if ok && len(u.passwordHash) > 0 {
		hash = u.passwordHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Get returns the user with the given subject.
func (us *UserStore) Get(subject string) (*User, bool) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	u, ok := us.bySubject[subject]
	return u, ok
}

// ProvisionExternal returns the local record for an external login, creating it
// on first sight. Subjects are namespaced by provider.
func (us *UserStore) ProvisionExternal(provider string, pu ProviderUser) *User {
	subject := provider + ":" + strings.TrimSpace(pu.Subject)

	us.mu.Lock()
	defer us.mu.Unlock()
	if u, ok := us.bySubject[subject]; ok {
		if pu.Name == "" || u.Claims["name"] == pu.Name {
			return u
		}
		// Users handed out earlier may still be read; replace rather than mutate.
		updated := *u
		updated.Claims = maps.Clone(u.Claims)
		updated.Claims["name"] = pu.Name
		us.bySubject[subject] = &updated
		return &updated
	}

	claims := map[string]string{}
	if pu.Name != "" {
		claims["name"] = pu.Name
	}
	if pu.Email != "" {
		claims["email"] = pu.Email
	}
	for _, k := range []string{"given_name", "family_name"} {
		if v, ok := pu.Claims[k].(string); ok {
			claims[k] = v
		}
	}
	u := &User{Subject: subject, Username: subject, Provider: provider, Claims: claims}
	us.bySubject[subject] = u
	return u
}

// Adopt registers a user provisioned by another instance, unless one is already known.
func (us *UserStore) Adopt(u User) *User {
	us.mu.Lock()
	defer us.mu.Unlock()
	if known, ok := us.bySubject[u.Subject]; ok {
		return known
	}
	u.passwordHash = nil
	us.bySubject[u.Subject] = &u
	return &u
}

// ClaimsFor returns the user's values for the named claims, skipping unset ones.
func (u *User) ClaimsFor(names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		if name == "sub" {
			out["sub"] = u.Subject
			continue
		}
		if v, ok := u.Claims[name]; ok && v != "" {
			out[name] = v
		}
	}
	return out
}

// constantTimeEqual compares two secrets without leaking their common prefix length.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
