// Package config holds the YAML loading helpers and listener settings shared
// by the identity provider, the image API and the web client.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHSTSMaxAge is one year, in seconds.
const DefaultHSTSMaxAge = 31536000

// ServerConfig controls listener, TLS, and cookie concerns for one service.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// DefaultServer returns development listener settings for the given address.
func DefaultServer(publicURL, devAddr string) ServerConfig {
	return ServerConfig{
		PublicURL:       publicURL,
		DevListenAddr:   devAddr,
		HTTPListenAddr:  ":80",
		HTTPSListenAddr: ":443",
		DevMode:         true,
		TLS: TLSConfig{
			Domains:    []string{"localhost"},
			CacheDir:   ".secrets/tls",
			MinVersion: "1.2",
			HSTSMaxAge: DefaultHSTSMaxAge,
		},
	}
}

// Issuer returns the public URL without a trailing slash.
func (s ServerConfig) Issuer() string {
	return strings.TrimSuffix(s.PublicURL, "/")
}

// Load decodes the YAML file at path into dst, rejecting unknown keys.
// dst is expected to already carry defaults.
func Load(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return Decode(b, dst)
}

// Decode is Load for an in-memory document.
func Decode(b []byte, dst any) error {
	sanitized := StripComments(b)
	if len(bytes.TrimSpace(sanitized)) == 0 {
		return nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
	decoder.KnownFields(true)

	if err := decoder.Decode(dst); err != nil {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			slog.Error("Configuration contains unknown keys", "error", err)
			return fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
		}
		slog.Error("Failed to parse configuration", "error", err)
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// WriteFile marshals v as YAML and writes it with owner-only permissions.
func WriteFile(path string, v any) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// StripComments drops full-line YAML comments.
func StripComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// ApplyEnv runs each setter whose environment variable is present.
func ApplyEnv(overrides map[string]func(string)) {
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// ServerOverrides returns the standard env setters for a ServerConfig under prefix,
// e.g. GALLERY_IDP_PUBLIC_URL.
func ServerOverrides(prefix string, s *ServerConfig) map[string]func(string) {
	return map[string]func(string){
		prefix + "_PUBLIC_URL":        func(v string) { s.PublicURL = v },
		prefix + "_DEV_LISTEN_ADDR":   func(v string) { s.DevListenAddr = v },
		prefix + "_HTTP_LISTEN_ADDR":  func(v string) { s.HTTPListenAddr = v },
		prefix + "_HTTPS_LISTEN_ADDR": func(v string) { s.HTTPSListenAddr = v },
		prefix + "_DEV_MODE":          func(v string) { s.DevMode = ParseBool(v, s.DevMode) },
		prefix + "_TLS_DOMAINS":       func(v string) { s.TLS.Domains = SplitAndTrim(v) },
		prefix + "_TLS_EMAIL":         func(v string) { s.TLS.Email = v },
		prefix + "_COOKIE_DOMAIN":     func(v string) { s.CookieDomain = v },
	}
}

// Validate performs sanity checks on listener settings.
func (s ServerConfig) Validate() error {
	if s.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !IsHTTPURL(s.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", s.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", s.PublicURL)
	}

	if s.DevMode && s.DevListenAddr == "" {
		return errors.New("server.dev_listen_addr is required in dev mode")
	}
	if !s.DevMode && len(s.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", s.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", s.TLS.MinVersion)
	}

	if s.CookieDomain != "" {
		u, err := url.Parse(s.PublicURL)
		if err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(s.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", s.CookieDomain,
				"public_url_domain", host)
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", s.CookieDomain, host)
		}
	}
	return nil
}

// IsHTTPURL reports whether v is an absolute http(s) URL.
func IsHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// ParseDuration returns fallback when val does not parse.
func ParseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// ParseBool accepts the usual spellings and returns fallback otherwise.
func ParseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// SplitAndTrim splits a comma separated list, dropping blanks.
func SplitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Origin extracts scheme://host[:port] from a URL, or "" when it has none.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
