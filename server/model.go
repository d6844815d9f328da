package server

import (
	"slices"
	"strings"
	"time"
)

// Session captures a logged-in browser session at the identity provider.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	IDP       string            `json:"idp"`
	AuthTime  time.Time         `json:"auth_time"`
	ExpiresAt time.Time         `json:"expires_at"`
	Consents  map[string]string `json:"consents,omitempty"`
}

// HasConsent reports whether the user already granted every scope in scope to clientID.
func (s *Session) HasConsent(clientID, scope string) bool {
	granted := strings.Fields(s.Consents[clientID])
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(granted, sc) {
			return false
		}
	}
	return true
}

// AuthRequest is an /authorize call parked while the user logs in or consents.
type AuthRequest struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	State               string    `json:"state"`
	Nonce               string    `json:"nonce"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	UserID              string    `json:"user_id,omitempty"`
	Provider            string    `json:"provider,omitempty"`
	UpstreamNonce       string    `json:"upstream_nonce,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// AuthorizationCode is a single-use code bound to a user, client, scopes and redirect URI.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id"`
	IDP                 string    `json:"idp"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// RefreshToken is the server-side record behind an opaque refresh token.
type RefreshToken struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	Audience  []string  `json:"audience"`
	IDP       string    `json:"idp"`
	SessionID string    `json:"session_id"`
	AuthTime  time.Time `json:"auth_time"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ParentID  string    `json:"parent_id,omitempty"`
}

// Client records OAuth client metadata.
type Client struct {
	ClientID               string
	ClientSecret           string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Scopes                 []string
	RequirePKCE            bool
	RequireConsent         bool
	AllowOfflineAccess     bool
	AccessTokenTTL         time.Duration
	Public                 bool
}

// ProviderUser consolidates identity data from an external login provider.
type ProviderUser struct {
	Subject string
	Email   string
	Name    string
	Claims  map[string]any
}
