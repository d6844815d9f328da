package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

// JWKSManager owns the RS256 signing keys. The current key signs; retired keys
// stay published so tokens minted before a rotation still verify.
type JWKSManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	retain      int
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from disk or generates a fresh one.
func NewJWKSManager(cfg KeyConfig, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{
		retain:      cfg.RetainPrevious,
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.JWKSPath,
		logger:      logger,
	}
	if m.retain < 0 {
		m.retain = 0
	}

	if m.storePath != "" {
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}

	if m.current.private == nil {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on the configured interval until ctx is done.
func (m *JWKSManager) StartRotation(ctx context.Context) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sign signs claims with the current key and stamps its kid.
func (m *JWKSManager) Sign(claims jwt.MapClaims) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.current.jwk.KeyID
	return token.SignedString(m.current.private)
}

// Keyfunc resolves the verification key by kid. Unknown kids are rejected.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.jwk.KeyID {
		return &m.current.private.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.jwk.KeyID == kid {
			return &prev.private.PublicKey, nil
		}
	}
	return nil, ErrUnknownKey
}

// CurrentKeyID returns the kid new tokens are signed with.
func (m *JWKSManager) CurrentKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.jwk.KeyID
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new current key and retires the old one.
func (m *JWKSManager) Rotate() error {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	key, err := newSigningKey(private)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.current.private != nil && m.retain > 0 {
		m.previous = append([]signingKey{m.current}, m.previous...)
		if len(m.previous) > m.retain {
			m.previous = m.previous[:m.retain]
		}
	}
	m.current = key
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", key.jwk.KeyID)

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func newSigningKey(private *rsa.PrivateKey) (signingKey, error) {
	jwk := jose.JSONWebKey{Key: private, Algorithm: string(jose.RS256), Use: "sig"}
	pub := jwk.Public()
	thumb, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return signingKey{}, fmt.Errorf("key thumbprint: %w", err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	return signingKey{private: private, jwk: jwk}, nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.jwk}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}

	var loaded []signingKey
	for _, k := range set.Keys {
		private, ok := k.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		loaded = append(loaded, signingKey{private: private, jwk: k})
	}
	if len(loaded) == 0 {
		return errors.New("no private keys in jwks file")
	}

	m.current = loaded[0]
	m.previous = loaded[1:]
	if len(m.previous) > m.retain {
		m.previous = m.previous[:m.retain]
	}
	return nil
}
