package server

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"imagegallery/config"
)

// Token and session defaults.
const (
	DefaultAccessTTL      = 10 * time.Minute
	DefaultIDTokenTTL     = 5 * time.Minute
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultCodeTTL        = 5 * time.Minute
	DefaultSessionTTL     = 12 * time.Hour
	DefaultAuthRequestTTL = 10 * time.Minute
	DefaultRotateRefresh  = true
)

// CORS defaults for the token, userinfo and revocation endpoints.
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the identity provider configuration.
type Config struct {
	Server            config.ServerConfig         `yaml:"server"`
	Clients           []ClientConfig              `yaml:"clients"`
	Users             []UserConfig                `yaml:"users"`
	IdentityResources []IdentityResource          `yaml:"identity_resources"`
	APIResources      []APIResource               `yaml:"api_resources"`
	Tokens            TokenConfig                 `yaml:"tokens"`
	Sessions          SessionConfig               `yaml:"sessions"`
	Keys              KeyConfig                   `yaml:"keys"`
	Storage           StorageConfig               `yaml:"storage"`
	Providers         map[string]UpstreamProvider `yaml:"providers"`
}

// ClientConfig describes an OAuth client.
type ClientConfig struct {
	ClientID               string        `yaml:"client_id"`
	ClientSecret           string        `yaml:"client_secret"`
	RedirectURIs           []string      `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string      `yaml:"post_logout_redirect_uris"`
	Scopes                 []string      `yaml:"scopes"`
	RequirePKCE            bool          `yaml:"require_pkce"`
	RequireConsent         bool          `yaml:"require_consent"`
	AllowOfflineAccess     bool          `yaml:"allow_offline_access"`
	AccessTokenTTL         time.Duration `yaml:"access_token_ttl"`
}

// UserConfig seeds a local account. Password is only honoured in dev mode;
// production configs carry a bcrypt PasswordHash.
type UserConfig struct {
	Subject      string            `yaml:"subject"`
	Username     string            `yaml:"username"`
	Password     string            `yaml:"password,omitempty"`
	PasswordHash string            `yaml:"password_hash,omitempty"`
	Claims       map[string]string `yaml:"claims"`
}

// IdentityResource maps an identity scope to the user claims it releases.
type IdentityResource struct {
	Name   string   `yaml:"name"`
	Claims []string `yaml:"claims"`
}

// APIResource is a protected API. Its name becomes the access token audience
// when any of its scopes is granted; UserClaims are copied into the access token.
type APIResource struct {
	Name       string   `yaml:"name"`
	Scopes     []string `yaml:"scopes"`
	UserClaims []string `yaml:"user_claims"`
}

// TokenConfig controls token lifetimes and refresh behaviour.
type TokenConfig struct {
	AccessTTL          time.Duration `yaml:"access_ttl"`
	IDTokenTTL         time.Duration `yaml:"id_token_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	CodeTTL            time.Duration `yaml:"code_ttl"`
	RotateRefresh      bool          `yaml:"rotate_refresh"`
	EmitStaticAudience bool          `yaml:"emit_static_audience"`
}

// SessionConfig controls the identity provider login session.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// KeyConfig controls signing key storage and rotation.
type KeyConfig struct {
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	RetainPrevious int           `yaml:"retain_previous"`
}

// StorageConfig selects the backing store for codes, sessions and refresh tokens.
type StorageConfig struct {
	Driver    string `yaml:"driver"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// UpstreamProvider configures an external OIDC login option.
type UpstreamProvider struct {
	DisplayName  string `yaml:"display_name"`
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := config.Load(path, &cfg); err != nil {
			slog.Error("Failed to load identity provider configuration", "error", err, "file", path)
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the demo identity provider: one web client, the image
// gallery API and two test users.
func DefaultConfig() Config {
	return Config{
		Server: config.DefaultServer("http://127.0.0.1:5001", "127.0.0.1:5001"),
		Clients: []ClientConfig{{
			ClientID:               "imagegalleryclient",
			ClientSecret:           "secret",
			RedirectURIs:           []string{"http://127.0.0.1:5003/signin-oidc"},
			PostLogoutRedirectURIs: []string{"http://127.0.0.1:5003/signout-callback-oidc"},
			Scopes: []string{
				"openid", "profile", "address", "roles",
				"imagegalleryapiscope", "country", "subscriptionlevel", "offline_access",
			},
			RequirePKCE:        true,
			RequireConsent:     true,
			AllowOfflineAccess: true,
			AccessTokenTTL:     2 * time.Minute,
		}},
		Users: []UserConfig{
			{
				Subject:  "d860efca-22d9-47fd-8249-791ba61b07c7",
				Username: "Frank",
				Password: "password",
				Claims: map[string]string{
					"given_name":        "Frank",
					"family_name":       "Underwood",
					"address":           "Main Road 1",
					"role":              "FreeUser",
					"subscriptionlevel": "FreeUser",
					"country":           "nl",
				},
			},
			{
				Subject:  "b7539694-97e7-4dfe-84da-b4256e1ff5c7",
				Username: "Claire",
				Password: "password",
				Claims: map[string]string{
					"given_name":        "Claire",
					"family_name":       "Underwood",
					"address":           "Big Street 2",
					"role":              "PayingUser",
					"subscriptionlevel": "PayingUser",
					"country":           "be",
				},
			},
		},
		IdentityResources: []IdentityResource{
			{Name: "openid", Claims: []string{"sub"}},
			{Name: "profile", Claims: []string{"name", "given_name", "family_name"}},
			{Name: "address", Claims: []string{"address"}},
			{Name: "roles", Claims: []string{"role"}},
			{Name: "country", Claims: []string{"country"}},
			{Name: "subscriptionlevel", Claims: []string{"subscriptionlevel"}},
		},
		APIResources: []APIResource{{
			Name:       "imagegalleryapi",
			Scopes:     []string{"imagegalleryapiscope"},
			UserClaims: []string{"role"},
		}},
		Tokens: TokenConfig{
			AccessTTL:          DefaultAccessTTL,
			IDTokenTTL:         DefaultIDTokenTTL,
			RefreshTTL:         DefaultRefreshTTL,
			CodeTTL:            DefaultCodeTTL,
			RotateRefresh:      DefaultRotateRefresh,
			EmitStaticAudience: true,
		},
		Sessions: SessionConfig{TTL: DefaultSessionTTL},
		Keys: KeyConfig{
			JWKSPath:       ".secrets/jwks.json",
			RotateInterval: 24 * time.Hour,
			RetainPrevious: 1,
		},
		Storage: StorageConfig{Driver: "memory", KeyPrefix: "gallery:idp:"},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := config.ServerOverrides("GALLERY_IDP", &cfg.Server)
	overrides["GALLERY_IDP_STORAGE_DRIVER"] = func(v string) { cfg.Storage.Driver = v }
	overrides["GALLERY_IDP_REDIS_URL"] = func(v string) { cfg.Storage.RedisURL = v }
	overrides["GALLERY_IDP_JWKS_PATH"] = func(v string) { cfg.Keys.JWKSPath = v }
	overrides["GALLERY_IDP_ROTATE_REFRESH"] = func(v string) {
		cfg.Tokens.RotateRefresh = config.ParseBool(v, cfg.Tokens.RotateRefresh)
	}
	overrides["GALLERY_IDP_ACCESS_TTL"] = func(v string) {
		cfg.Tokens.AccessTTL = config.ParseDuration(v, cfg.Tokens.AccessTTL)
	}
	config.ApplyEnv(overrides)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}

	if len(c.Clients) == 0 {
		slog.Error("No OAuth2 clients configured")
		return errors.New("at least one client must be configured")
	}

	scopes := c.knownScopes()
	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("OAuth2 client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seen[client.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %s", i, client.ClientID)
		}
		seen[client.ClientID] = true
		if len(client.RedirectURIs) == 0 {
			slog.Error("OAuth2 client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range append(slices.Clone(client.RedirectURIs), client.PostLogoutRedirectURIs...) {
			if !isSafeRedirectURI(uri) {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j)
				return fmt.Errorf("clients[%d] (%s): redirect uri %q must be an absolute http(s) URL", i, client.ClientID, uri)
			}
		}
		for _, sc := range client.Scopes {
			if !scopes[sc] {
				return fmt.Errorf("clients[%d] (%s): scope %q is not defined by any identity or api resource", i, client.ClientID, sc)
			}
		}
	}

	for i, u := range c.Users {
		if u.Subject == "" || u.Username == "" {
			return fmt.Errorf("users[%d]: subject and username are required", i)
		}
		if u.Password == "" && u.PasswordHash == "" {
			return fmt.Errorf("users[%d] (%s): password_hash is required", i, u.Username)
		}
		if u.Password != "" && !c.Server.DevMode {
			slog.Error("Plaintext password in production configuration", "user", u.Username)
			return fmt.Errorf("users[%d] (%s): plaintext password is only allowed in dev mode", i, u.Username)
		}
	}

	if c.Tokens.AccessTTL <= 0 || c.Tokens.IDTokenTTL <= 0 || c.Tokens.CodeTTL <= 0 {
		return errors.New("tokens: access_ttl, id_token_ttl and code_ttl must be positive")
	}
	if c.Tokens.CodeTTL > 10*time.Minute {
		return fmt.Errorf("tokens.code_ttl must not exceed 10m, got %s", c.Tokens.CodeTTL)
	}

	switch c.Storage.Driver {
	case "", "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'memory' or 'redis', got: %s", c.Storage.Driver)
	}

	for name, p := range c.Providers {
		if p.Issuer == "" || p.ClientID == "" {
			return fmt.Errorf("providers.%s: issuer and client_id are required", name)
		}
	}

	return nil
}

func (c Config) knownScopes() map[string]bool {
	scopes := map[string]bool{"offline_access": true}
	for _, r := range c.IdentityResources {
		scopes[r.Name] = true
	}
	for _, r := range c.APIResources {
		for _, sc := range r.Scopes {
			scopes[sc] = true
		}
	}
	return scopes
}

// InferCORSOrigins extracts allowed origins from client redirect URIs.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	for _, client := range c.Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := config.Origin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
