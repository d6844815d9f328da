package webclient

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"imagegallery/config"
)

// Defaults for the client application.
const (
	DefaultSessionTTL   = 8 * time.Hour
	DefaultPendingTTL   = 10 * time.Minute
	DefaultRefreshSkew  = 30 * time.Second
	DefaultHTTPTimeout  = 15 * time.Second
	minSigningKeyLength = 32
)

// Config captures the web client configuration.
type Config struct {
	Server  config.ServerConfig `yaml:"server"`
	OIDC    OIDCConfig          `yaml:"oidc"`
	API     APIConfig           `yaml:"api"`
	Session SessionConfig       `yaml:"session"`
}

// OIDCConfig describes how the client signs users in at the IDP.
type OIDCConfig struct {
	Issuer           string        `yaml:"issuer"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	RedirectPath     string        `yaml:"redirect_path"`
	PostLogoutPath   string        `yaml:"post_logout_path"`
	Scopes           []string      `yaml:"scopes"`
	FetchUserInfo    bool          `yaml:"fetch_userinfo"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// APIConfig points at the image API.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	RefreshSkew time.Duration `yaml:"refresh_skew"`
}

// SessionConfig controls the local session cookie.
type SessionConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	SigningKey string        `yaml:"signing_key"`
}

// LoadConfig reads path (optional), applies GALLERY_CLIENT_* overrides and validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := config.Load(path, &cfg); err != nil {
			slog.Error("Failed to load web client configuration", "error", err, "file", path)
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

// DefaultConfig returns the demo client registered in the IDP's default config.
func DefaultConfig() Config {
	return Config{
		Server: config.DefaultServer("http://127.0.0.1:5003", "127.0.0.1:5003"),
		OIDC: OIDCConfig{
			Issuer:         "http://127.0.0.1:5001",
			ClientID:       "imagegalleryclient",
			ClientSecret:   "secret",
			RedirectPath:   "/signin-oidc",
			PostLogoutPath: "/signout-callback-oidc",
			Scopes: []string{
				"openid", "profile", "address", "roles",
				"imagegalleryapiscope", "subscriptionlevel", "country", "offline_access",
			},
			FetchUserInfo:    true,
			DiscoveryTimeout: 10 * time.Second,
		},
		API: APIConfig{
			BaseURL:     "http://127.0.0.1:5002",
			Timeout:     DefaultHTTPTimeout,
			RefreshSkew: DefaultRefreshSkew,
		},
		Session: SessionConfig{TTL: DefaultSessionTTL},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := config.ServerOverrides("GALLERY_CLIENT", &cfg.Server)
	overrides["GALLERY_CLIENT_ISSUER"] = func(v string) { cfg.OIDC.Issuer = v }
	overrides["GALLERY_CLIENT_ID"] = func(v string) { cfg.OIDC.ClientID = v }
	overrides["GALLERY_CLIENT_SECRET"] = func(v string) { cfg.OIDC.ClientSecret = v }
	overrides["GALLERY_CLIENT_API_URL"] = func(v string) { cfg.API.BaseURL = v }
	overrides["GALLERY_CLIENT_SESSION_KEY"] = func(v string) { cfg.Session.SigningKey = v }
	overrides["GALLERY_CLIENT_SESSION_TTL"] = func(v string) {
		cfg.Session.TTL = config.ParseDuration(v, cfg.Session.TTL)
	}
	config.ApplyEnv(overrides)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if !config.IsHTTPURL(c.OIDC.Issuer) {
		return errors.New("oidc.issuer must be an absolute http(s) URL")
	}
	if c.OIDC.ClientID == "" {
		return errors.New("oidc.client_id is required")
	}
	if !slices.Contains(c.OIDC.Scopes, "openid") {
		return errors.New("oidc.scopes must include openid")
	}
	if c.OIDC.RedirectPath == "" || c.OIDC.RedirectPath[0] != '/' {
		return errors.New("oidc.redirect_path must start with /")
	}
	if !config.IsHTTPURL(c.API.BaseURL) {
		return errors.New("api.base_url must be an absolute http(s) URL")
	}
	if c.API.RefreshSkew < 0 {
		return errors.New("api.refresh_skew must not be negative")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if !c.Server.DevMode && len(c.Session.SigningKey) < minSigningKeyLength {
		return fmt.Errorf("session.signing_key must be at least %d bytes outside dev mode", minSigningKeyLength)
	}
	return nil
}

// RedirectURL is the absolute callback URL registered at the IDP.
func (c Config) RedirectURL() string {
	return c.Server.Issuer() + c.OIDC.RedirectPath
}

// PostLogoutURL is the absolute post-logout URL registered at the IDP.
func (c Config) PostLogoutURL() string {
	if c.OIDC.PostLogoutPath == "" {
		return ""
	}
	return c.Server.Issuer() + c.OIDC.PostLogoutPath
}
