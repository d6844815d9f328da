package server

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ClientRegistry holds registered OAuth clients. It is built once from
// configuration and never mutated afterwards.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if _, dup := clients[cfg.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %s", cfg.ClientID)
		}
		public := cfg.ClientSecret == ""
		clients[cfg.ClientID] = &Client{
			ClientID:               cfg.ClientID,
			ClientSecret:           cfg.ClientSecret,
			RedirectURIs:           slices.Clone(cfg.RedirectURIs),
			PostLogoutRedirectURIs: slices.Clone(cfg.PostLogoutRedirectURIs),
			Scopes:                 slices.Clone(cfg.Scopes),
			RequirePKCE:            cfg.RequirePKCE || public,
			RequireConsent:         cfg.RequireConsent,
			AllowOfflineAccess:     cfg.AllowOfflineAccess,
			AccessTokenTTL:         cfg.AccessTokenTTL,
			Public:                 public,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Authenticate validates client credentials. Public clients authenticate by id
// alone and are held to PKCE at the authorize endpoint instead.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, error) {
	client, ok := cr.clients[id]
	if !ok {
		return nil, ErrInvalidClient
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || !constantTimeEqual(secret, client.ClientSecret) {
		return nil, ErrInvalidClient
	}
	return client, nil
}

// ValidRedirect reports whether uri is registered for the client, by exact match.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// ValidPostLogoutRedirect reports whether uri is a registered post-logout target.
func (c *Client) ValidPostLogoutRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// ValidateScopes ensures requested scopes are a subset of the client's allowed scopes.
func (c *Client) ValidateScopes(scope string) bool {
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}

// isSafeRedirectURI rejects anything but absolute http(s) URLs without
// userinfo or fragments.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.User != nil || u.Fragment != "" || strings.Contains(uri, "#") {
		return false
	}
	return true
}
