// Package client validates IDP-issued access tokens on behalf of a resource server.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"imagegallery/metrics"
)

var (
	// ErrNoToken is returned when the request carries no bearer token.
	ErrNoToken = errors.New("no bearer token")
	// ErrTokenMalformed is returned when the token cannot be parsed or lacks a required claim.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenSignatureInvalid is returned when no published key verifies the signature.
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
	// ErrTokenExpired is returned once exp has passed. No leeway applies.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNotYetValid is returned when nbf or iat lie in the future beyond the leeway.
	ErrTokenNotYetValid = errors.New("token not yet valid")
	// ErrIssuerMismatch is returned when iss is not the configured issuer.
	ErrIssuerMismatch = errors.New("token issuer mismatch")
	// ErrAudienceMismatch is returned when aud names none of the accepted audiences.
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

const (
	// DefaultRefreshInterval is how often the key set is re-fetched in the background.
	DefaultRefreshInterval = 15 * time.Minute
	// DefaultFetchTimeout bounds every discovery and key set request.
	DefaultFetchTimeout = 5 * time.Second
	// DefaultLeeway is the clock skew tolerated on nbf and iat.
	DefaultLeeway = 30 * time.Second

	// minMissRefresh bounds how often unknown key IDs may force a JWKS fetch.
	minMissRefresh = 10 * time.Second
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuer string
	// JWKSURL is discovered from the issuer metadata when empty.
	JWKSURL         string
	Audiences       []string
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	// Leeway applies to nbf and iat only. Expiry is checked strictly.
	Leeway     time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Claims is the validated principal extracted from an access token.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Values returns a claim as a list of strings. Single values and JSON arrays
// are both accepted.
func (c *Claims) Values(name string) []string {
	switch v := c.Raw[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// Validator verifies RS256 access tokens against the issuer's published keys.
type Validator struct {
	cfg     ValidatorConfig
	jwksURL string
	cache   *jwk.Cache
	logger  *slog.Logger
	group   singleflight.Group
	now     func() time.Time
	cancel  context.CancelFunc

	mu          sync.Mutex
	registered  bool
	lastRefresh time.Time
}

// NewValidator builds a validator and starts its background key refresh. The
// JWKS endpoint is registered lazily so a resource server can start before the IDP.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("validator: issuer is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		discovered, err := discoverJWKSURL(ctx, cfg.HTTPClient, cfg.Issuer, cfg.FetchTimeout)
		if err != nil {
			return nil, err
		}
		jwksURL = discovered
	}

	cacheCtx, cancel := context.WithCancel(context.Background())
	cache, err := jwk.NewCache(cacheCtx, httprc.NewClient(httprc.WithHTTPClient(cfg.HTTPClient)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create JWKS cache: %w", err)
	}

	v := &Validator{
		cfg:     cfg,
		jwksURL: jwksURL,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
		cancel:  cancel,
	}
	go v.refreshLoop(cacheCtx)
	return v, nil
}

// Close stops background refresh.
func (v *Validator) Close() {
	v.cancel()
}

// JWKSURL returns the key endpoint in use.
func (v *Validator) JWKSURL() string { return v.jwksURL }

func discoverJWKSURL(ctx context.Context, hc *http.Client, issuer string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, hc), timeout)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("discover issuer %s: %w", issuer, err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil || meta.JWKSURI == "" {
		return "", fmt.Errorf("issuer %s publishes no jwks_uri", issuer)
	}
	return meta.JWKSURI, nil
}

// ensureRegistered adds the JWKS URL to the cache and waits, up to the fetch
// timeout, for the first fetch. A failed first fetch leaves the URL registered;
// lookup retries it on later requests.
func (v *Validator) ensureRegistered(ctx context.Context) error {
	v.mu.Lock()
	registered := v.registered
	v.mu.Unlock()
	if registered {
		return nil
	}

	_, err, _ := v.group.Do("register", func() (any, error) {
		detached := context.WithoutCancel(ctx)
		fetchCtx, cancel := context.WithTimeout(detached, v.cfg.FetchTimeout)
		defer cancel()
		err := v.cache.Register(fetchCtx, v.jwksURL)
		switch {
		case err == nil:
			metrics.JWKSRefresh("register", "ok")
		case v.cache.IsRegistered(detached, v.jwksURL):
			metrics.JWKSRefresh("register", "error")
			v.logger.Warn("initial jwks fetch failed", "url", v.jwksURL, "err", err)
		default:
			metrics.JWKSRefresh("register", "error")
			return nil, fmt.Errorf("register JWKS %s: %w", v.jwksURL, err)
		}

		v.mu.Lock()
		v.registered = true
		if err == nil {
			v.lastRefresh = v.now()
		}
		v.mu.Unlock()
		return nil, nil
	})
	return err
}

// lookup returns the cached key set, fetching it first if nothing has been
// fetched yet.
func (v *Validator) lookup(ctx context.Context) (jwk.Set, error) {
	if set, err := v.cache.Lookup(ctx, v.jwksURL); err == nil {
		return set, nil
	}
	if err := v.refresh(context.WithoutCancel(ctx), "initial"); err != nil {
		return nil, fmt.Errorf("fetch JWKS %s: %w", v.jwksURL, err)
	}
	set, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("lookup JWKS: %w", err)
	}
	return set, nil
}

func (v *Validator) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.mu.Lock()
			registered := v.registered
			v.mu.Unlock()
			if !registered {
				continue
			}
			if err := v.refresh(ctx, "interval"); err != nil {
				v.logger.Warn("jwks refresh failed", "url", v.jwksURL, "err", err)
			}
		}
	}
}

// refresh re-fetches the key set. Concurrent callers share one fetch.
func (v *Validator) refresh(ctx context.Context, trigger string) error {
	_, err, _ := v.group.Do(v.jwksURL, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
		defer cancel()
		_, err := v.cache.Refresh(ctx, v.jwksURL)
		if err != nil {
			metrics.JWKSRefresh(trigger, "error")
			return nil, err
		}
		metrics.JWKSRefresh(trigger, "ok")
		v.mu.Lock()
		v.lastRefresh = v.now()
		v.mu.Unlock()
		return nil, nil
	})
	return err
}

func (v *Validator) keyFor(ctx context.Context, kid string) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	set, err := v.lookup(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		v.mu.Lock()
		recent := v.now().Sub(v.lastRefresh) < minMissRefresh
		v.mu.Unlock()
		if !recent {
			// Detached so one cancelled request cannot fail the shared fetch.
			if err := v.refresh(context.WithoutCancel(ctx), "kid_miss"); err != nil {
				v.logger.Warn("jwks refresh on unknown kid failed, using cached keys", "kid", kid, "err", err)
			}
			if set, err = v.cache.Lookup(ctx, v.jwksURL); err != nil {
				return nil, fmt.Errorf("lookup JWKS: %w", err)
			}
			key, ok = set.LookupKeyID(kid)
		}
	}
	if !ok {
		return nil, fmt.Errorf("key %q not published", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key %q: %w", kid, err)
	}
	return raw, nil
}

// Validate checks signature, issuer, audience and lifetime of rawToken.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, ErrNoToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	mc := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, mc, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.keyFor(ctx, kid)
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenSignatureInvalid, err)
	}

	return v.checkClaims(mc)
}

func (v *Validator) checkClaims(mc jwt.MapClaims) (*Claims, error) {
	now := v.now()

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: exp missing", ErrTokenMalformed)
	}
	if !now.Before(exp.Time) {
		return nil, ErrTokenExpired
	}
	if nbf, err := mc.GetNotBefore(); err != nil {
		return nil, fmt.Errorf("%w: nbf", ErrTokenMalformed)
	} else if nbf != nil && now.Add(v.cfg.Leeway).Before(nbf.Time) {
		return nil, ErrTokenNotYetValid
	}
	iat, err := mc.GetIssuedAt()
	if err != nil {
		return nil, fmt.Errorf("%w: iat", ErrTokenMalformed)
	}
	if iat != nil && now.Add(v.cfg.Leeway).Before(iat.Time) {
		return nil, ErrTokenNotYetValid
	}

	iss, _ := mc.GetIssuer()
	if iss != v.cfg.Issuer {
		return nil, ErrIssuerMismatch
	}

	aud, err := mc.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("%w: aud", ErrTokenMalformed)
	}
	if len(v.cfg.Audiences) > 0 && !slices.ContainsFunc(aud, func(a string) bool {
		return slices.Contains(v.cfg.Audiences, a)
	}) {
		return nil, ErrAudienceMismatch
	}

	sub, _ := mc.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: sub missing", ErrTokenMalformed)
	}

	claims := &Claims{
		Subject:   sub,
		Issuer:    iss,
		Audiences: aud,
		ExpiresAt: exp.Time,
		Raw:       map[string]any(mc),
	}
	if iat != nil {
		claims.IssuedAt = iat.Time
	}
	if scope, ok := mc["scope"].(string); ok {
		claims.Scopes = strings.Fields(scope)
	}
	claims.ClientID, _ = mc["client_id"].(string)
	claims.TokenID, _ = mc["jti"].(string)
	return claims, nil
}

// Reason returns a short label for a validation error, used in logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoToken):
		return "missing"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrIssuerMismatch):
		return "issuer"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience"
	}
	return "error"
}
