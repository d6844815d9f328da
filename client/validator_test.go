package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	testIssuer   = "https://idp.test"
	testAudience = "imagegalleryapi"
)

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func newSigningKey(t *testing.T, kid string) signingKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signingKey{kid: kid, priv: priv}
}

func (k signingKey) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.kid
	s, err := tok.SignedString(k.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// keyServer publishes a mutable JWKS document.
type keyServer struct {
	t       *testing.T
	mu      sync.Mutex
	keys    []signingKey
	fail    bool
	fetches atomic.Int32
	srv     *httptest.Server
}

func newKeyServer(t *testing.T, keys ...signingKey) *keyServer {
	ks := &keyServer{t: t, keys: keys}
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", ks.serveJWKS)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 ks.srv.URL,
			"jwks_uri":               ks.srv.URL + "/jwks",
			"authorization_endpoint": ks.srv.URL + "/authorize",
			"token_endpoint":         ks.srv.URL + "/token",
		})
	})
	ks.srv = httptest.NewServer(mux)
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) publish(keys ...signingKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys = keys
}

func (ks *keyServer) setFailing(fail bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.fail = fail
}

func (ks *keyServer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	ks.fetches.Add(1)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	set := jwk.NewSet()
	for _, k := range ks.keys {
		pub, err := jwk.Import(&k.priv.PublicKey)
		if err != nil {
			ks.t.Errorf("import key: %v", err)
			return
		}
		_ = pub.Set(jwk.KeyIDKey, k.kid)
		_ = pub.Set(jwk.AlgorithmKey, "RS256")
		_ = pub.Set(jwk.KeyUsageKey, "sig")
		_ = set.AddKey(pub)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func newTestValidator(t *testing.T, ks *keyServer) *Validator {
	t.Helper()
	v, err := NewValidator(context.Background(), ValidatorConfig{
		Issuer:     testIssuer,
		JWKSURL:    ks.srv.URL + "/jwks",
		Audiences:  []string{testAudience},
		Leeway:     DefaultLeeway,
		HTTPClient: ks.srv.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func accessClaims(overrides jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       testIssuer,
		"sub":       "d860efca-22d9-47fd-8249-791ba61b07c7",
		"aud":       []string{testAudience, testIssuer + "/resources"},
		"client_id": "imagegalleryclient",
		"scope":     "openid imagegalleryapiscope",
		"role":      "PayingUser",
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
		"jti":       "jti-1",
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return claims
}

// forceMissRefresh lets the next unknown kid trigger a fetch immediately.
func forceMissRefresh(v *Validator) {
	v.mu.Lock()
	v.lastRefresh = time.Time{}
	v.mu.Unlock()
}

func TestValidateAcceptsIssuedToken(t *testing.T) {
	key := newSigningKey(t, "k1")
	v := newTestValidator(t, newKeyServer(t, key))

	claims, err := v.Validate(context.Background(), key.sign(t, accessClaims(nil)))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "d860efca-22d9-47fd-8249-791ba61b07c7" || claims.ClientID != "imagegalleryclient" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.HasScope("imagegalleryapiscope") || claims.HasScope("offline_access") {
		t.Fatalf("unexpected scopes: %v", claims.Scopes)
	}
	if got := claims.Values("role"); len(got) != 1 || got[0] != "PayingUser" {
		t.Fatalf("role values: %v", got)
	}
}

func TestValidateRejections(t *testing.T) {
	key := newSigningKey(t, "k1")
	foreign := newSigningKey(t, "k1")
	v := newTestValidator(t, newKeyServer(t, key))
	now := time.Now()

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"garbage", "not-a-token", ErrTokenMalformed},
		{"foreign key same kid", foreign.sign(t, accessClaims(nil)), ErrTokenSignatureInvalid},
		{"expired", key.sign(t, accessClaims(jwt.MapClaims{"exp": now.Add(-time.Second).Unix()})), ErrTokenExpired},
		{"no exp", key.sign(t, accessClaims(jwt.MapClaims{"exp": nil})), ErrTokenMalformed},
		{"future nbf", key.sign(t, accessClaims(jwt.MapClaims{"nbf": now.Add(5 * time.Minute).Unix()})), ErrTokenNotYetValid},
		{"wrong issuer", key.sign(t, accessClaims(jwt.MapClaims{"iss": "https://evil.test"})), ErrIssuerMismatch},
		{"wrong audience", key.sign(t, accessClaims(jwt.MapClaims{"aud": "someotherapi"})), ErrAudienceMismatch},
		{"no subject", key.sign(t, accessClaims(jwt.MapClaims{"sub": nil})), ErrTokenMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateToleratesSkewOnNotBefore(t *testing.T) {
	key := newSigningKey(t, "k1")
	v := newTestValidator(t, newKeyServer(t, key))

	skewed := key.sign(t, accessClaims(jwt.MapClaims{
		"nbf": time.Now().Add(10 * time.Second).Unix(),
		"iat": time.Now().Add(10 * time.Second).Unix(),
	}))
	if _, err := v.Validate(context.Background(), skewed); err != nil {
		t.Fatalf("expected small nbf skew to be tolerated: %v", err)
	}
}

func TestValidateRejectsNonRS256(t *testing.T) {
	key := newSigningKey(t, "k1")
	v := newTestValidator(t, newKeyServer(t, key))

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims(nil))
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Validate(context.Background(), signed); !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Fatalf("expected HS256 token to be rejected, got %v", err)
	}
}

func TestValidateRefreshesOnUnknownKeyID(t *testing.T) {
	oldKey := newSigningKey(t, "k1")
	ks := newKeyServer(t, oldKey)
	v := newTestValidator(t, ks)

	if _, err := v.Validate(context.Background(), oldKey.sign(t, accessClaims(nil))); err != nil {
		t.Fatalf("Validate with initial key: %v", err)
	}

	newKey := newSigningKey(t, "k2")
	ks.publish(oldKey, newKey)
	forceMissRefresh(v)

	if _, err := v.Validate(context.Background(), newKey.sign(t, accessClaims(nil))); err != nil {
		t.Fatalf("expected rotated key to be fetched on kid miss: %v", err)
	}
}

func TestValidateUnknownKeyIDFallsBackToCachedSet(t *testing.T) {
	key := newSigningKey(t, "k1")
	ks := newKeyServer(t, key)
	v := newTestValidator(t, ks)

	if _, err := v.Validate(context.Background(), key.sign(t, accessClaims(nil))); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ks.setFailing(true)
	forceMissRefresh(v)

	unknown := newSigningKey(t, "k9")
	if _, err := v.Validate(context.Background(), unknown.sign(t, accessClaims(nil))); !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Fatalf("expected unknown kid to be rejected, got %v", err)
	}
	if _, err := v.Validate(context.Background(), key.sign(t, accessClaims(nil))); err != nil {
		t.Fatalf("cached key must keep working while the IDP is down: %v", err)
	}
}

func TestValidateRecoversFromUnavailableIDPAtStartup(t *testing.T) {
	key := newSigningKey(t, "k1")
	ks := newKeyServer(t, key)
	ks.setFailing(true)

	v, err := NewValidator(context.Background(), ValidatorConfig{
		Issuer:       testIssuer,
		JWKSURL:      ks.srv.URL + "/jwks",
		Audiences:    []string{testAudience},
		FetchTimeout: 200 * time.Millisecond,
		HTTPClient:   ks.srv.Client(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	t.Cleanup(v.Close)

	token := key.sign(t, accessClaims(nil))
	start := time.Now()
	if _, err := v.Validate(context.Background(), token); err == nil {
		t.Fatalf("expected validation to fail while the key set is unreachable")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("validation blocked for %v while the IDP was down", elapsed)
	}

	ks.setFailing(false)
	if _, err := v.Validate(context.Background(), token); err != nil {
		t.Fatalf("expected recovery once the IDP is back: %v", err)
	}
	if _, err := v.Validate(context.Background(), token); err != nil {
		t.Fatalf("Validate from cache: %v", err)
	}
}

func TestUnknownKeyIDRefreshIsThrottled(t *testing.T) {
	key := newSigningKey(t, "k1")
	ks := newKeyServer(t, key)
	v := newTestValidator(t, ks)

	if _, err := v.Validate(context.Background(), key.sign(t, accessClaims(nil))); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	before := ks.fetches.Load()

	forged := newSigningKey(t, "forged")
	for range 5 {
		if _, err := v.Validate(context.Background(), forged.sign(t, accessClaims(nil))); err == nil {
			t.Fatalf("forged kid accepted")
		}
	}
	if after := ks.fetches.Load(); after != before {
		t.Fatalf("expected no JWKS fetch right after registration, got %d", after-before)
	}
}

func TestNewValidatorDiscoversJWKSURL(t *testing.T) {
	key := newSigningKey(t, "k1")
	ks := newKeyServer(t, key)

	v, err := NewValidator(context.Background(), ValidatorConfig{
		Issuer:     ks.srv.URL,
		Audiences:  []string{testAudience},
		HTTPClient: ks.srv.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	t.Cleanup(v.Close)

	if v.JWKSURL() != ks.srv.URL+"/jwks" {
		t.Fatalf("unexpected jwks url %q", v.JWKSURL())
	}
	if _, err := v.Validate(context.Background(), key.sign(t, accessClaims(jwt.MapClaims{"iss": ks.srv.URL}))); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRequireAuth(t *testing.T) {
	key := newSigningKey(t, "k1")
	v := newTestValidator(t, newKeyServer(t, key))

	handler := RequireAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Errorf("claims missing from context")
			return
		}
		_, _ = io.WriteString(w, claims.Subject)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="imagegallery"` {
			t.Fatalf("unexpected challenge %q", got)
		}
	})

	t.Run("audience mismatch", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
		req.Header.Set("Authorization", "Bearer "+key.sign(t, accessClaims(jwt.MapClaims{"aud": "other"})))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="imagegallery", error="invalid_token"` {
			t.Fatalf("unexpected challenge %q", got)
		}
		body, _ := io.ReadAll(rec.Body)
		if string(body) != "Unauthorized\n" {
			t.Fatalf("response must not reveal the reason: %q", body)
		}
	})

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
		req.Header.Set("Authorization", "bearer "+key.sign(t, accessClaims(nil)))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != "d860efca-22d9-47fd-8249-791ba61b07c7" {
			t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
		}
	})
}
