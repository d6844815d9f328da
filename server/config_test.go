package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idp.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:5001
  dev_mode: true
tokens:
  access_ttl: 5m
  id_token_ttl: 5m
  refresh_ttl: 24h
  code_ttl: 1m
  rotate_refresh: true
`)

	t.Setenv("GALLERY_IDP_PUBLIC_URL", "https://idp.example.com")
	t.Setenv("GALLERY_IDP_ROTATE_REFRESH", "false")
	t.Setenv("GALLERY_IDP_ACCESS_TTL", "90s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "https://idp.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Tokens.RotateRefresh {
		t.Fatalf("expected rotate_refresh override to disable rotation")
	}
	if cfg.Tokens.AccessTTL != 90*time.Second || cfg.Tokens.CodeTTL != time.Minute {
		t.Fatalf("unexpected token ttls: %+v", cfg.Tokens)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ClientID != "imagegalleryclient" {
		t.Fatalf("expected default client to survive a partial config")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:5001
  unknown_field: value
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no clients", func(c *Config) { c.Clients = nil }, "at least one client"},
		{"missing client id", func(c *Config) { c.Clients[0].ClientID = "" }, "client_id is required"},
		{"duplicate client", func(c *Config) { c.Clients = append(c.Clients, c.Clients[0]) }, "duplicate client_id"},
		{"relative redirect", func(c *Config) { c.Clients[0].RedirectURIs = []string{"/callback"} }, "absolute http(s)"},
		{"fragment redirect", func(c *Config) { c.Clients[0].RedirectURIs = []string{"https://client/cb#x"} }, "absolute http(s)"},
		{"unknown scope", func(c *Config) { c.Clients[0].Scopes = append(c.Clients[0].Scopes, "email") }, "not defined"},
		{"plaintext password in prod", func(c *Config) {
			c.Server.DevMode = false
			c.Server.PublicURL = "https://idp.example.com"
		}, "plaintext password"},
		{"code ttl too long", func(c *Config) { c.Tokens.CodeTTL = time.Hour }, "code_ttl"},
		{"zero access ttl", func(c *Config) { c.Tokens.AccessTTL = 0 }, "must be positive"},
		{"redis without url", func(c *Config) { c.Storage.Driver = "redis" }, "redis_url"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"provider without issuer", func(c *Config) {
			c.Providers = map[string]UpstreamProvider{"corp": {ClientID: "x"}}
		}, "issuer and client_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestInferCORSOrigins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = append(cfg.Clients, ClientConfig{
		ClientID:     "spa",
		RedirectURIs: []string{"http://127.0.0.1:5003/other", "https://spa.example.com/cb"},
	})
	got := cfg.InferCORSOrigins()
	want := []string{"http://127.0.0.1:5003", "https://spa.example.com"}
	if len(got) != len(want) {
		t.Fatalf("origins mismatch: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("origin %d: got %q want %q", i, got[i], want[i])
		}
	}
}
