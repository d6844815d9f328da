package gallery

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imagegallery/client"
	"imagegallery/config"
)

// Config captures the image API configuration.
type Config struct {
	Server   config.ServerConfig `yaml:"server"`
	Auth     AuthConfig          `yaml:"auth"`
	Database DatabaseConfig      `yaml:"database"`
	// Seed loads the demo images when the table is empty.
	Seed bool `yaml:"seed"`
	// CORSOrigins lists browser origins allowed to call the API directly.
	CORSOrigins []string `yaml:"cors_origins"`
}

// AuthConfig controls bearer token validation.
type AuthConfig struct {
	Issuer          string        `yaml:"issuer"`
	JWKSURL         string        `yaml:"jwks_url"`
	Audience        string        `yaml:"audience"`
	RequiredScope   string        `yaml:"required_scope"`
	RefreshInterval time.Duration `yaml:"jwks_refresh_interval"`
	FetchTimeout    time.Duration `yaml:"jwks_fetch_timeout"`
	Leeway          time.Duration `yaml:"leeway"`
}

// DatabaseConfig selects the image repository backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// LoadConfig reads path (optional), applies GALLERY_API_* overrides and validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := config.Load(path, &cfg); err != nil {
			slog.Error("Failed to load image API configuration", "error", err, "file", path)
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

// DefaultConfig returns the demo API: sqlite file, seeded images, local IDP.
func DefaultConfig() Config {
	return Config{
		Server: config.DefaultServer("http://127.0.0.1:5002", "127.0.0.1:5002"),
		Auth: AuthConfig{
			Issuer:          "http://127.0.0.1:5001",
			Audience:        "imagegalleryapi",
			RequiredScope:   "imagegalleryapiscope",
			RefreshInterval: client.DefaultRefreshInterval,
			FetchTimeout:    client.DefaultFetchTimeout,
			Leeway:          client.DefaultLeeway,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:.secrets/gallery.db?_pragma=busy_timeout(5000)"},
		Seed:     true,
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := config.ServerOverrides("GALLERY_API", &cfg.Server)
	overrides["GALLERY_API_ISSUER"] = func(v string) { cfg.Auth.Issuer = v }
	overrides["GALLERY_API_JWKS_URL"] = func(v string) { cfg.Auth.JWKSURL = v }
	overrides["GALLERY_API_AUDIENCE"] = func(v string) { cfg.Auth.Audience = v }
	overrides["GALLERY_API_DB_DRIVER"] = func(v string) { cfg.Database.Driver = v }
	overrides["GALLERY_API_DB_DSN"] = func(v string) { cfg.Database.DSN = v }
	overrides["GALLERY_API_SEED"] = func(v string) { cfg.Seed = config.ParseBool(v, cfg.Seed) }
	overrides["GALLERY_API_CORS_ORIGINS"] = func(v string) { cfg.CORSOrigins = config.SplitAndTrim(v) }
	config.ApplyEnv(overrides)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if !config.IsHTTPURL(c.Auth.Issuer) {
		return errors.New("auth.issuer must be an absolute http(s) URL")
	}
	if c.Auth.JWKSURL != "" && !config.IsHTTPURL(c.Auth.JWKSURL) {
		return errors.New("auth.jwks_url must be an absolute http(s) URL")
	}
	if c.Auth.Audience == "" {
		return errors.New("auth.audience is required")
	}
	if c.Auth.Leeway < 0 || c.Auth.Leeway > 5*time.Minute {
		return fmt.Errorf("auth.leeway %s out of range", c.Auth.Leeway)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q must be sqlite or postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	return nil
}

// ValidatorConfig maps the auth section onto the token validator.
func (c Config) ValidatorConfig(logger *slog.Logger) client.ValidatorConfig {
	return client.ValidatorConfig{
		Issuer:          c.Auth.Issuer,
		JWKSURL:         c.Auth.JWKSURL,
		Audiences:       []string{c.Auth.Audience},
		RefreshInterval: c.Auth.RefreshInterval,
		FetchTimeout:    c.Auth.FetchTimeout,
		Leeway:          c.Auth.Leeway,
		Logger:          logger,
	}
}
