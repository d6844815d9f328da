package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"imagegallery/metrics"
)

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	IDP      string `json:"idp,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token was granted scope.
func (c *AccessTokenClaims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenService signs and validates identity provider tokens.
type TokenService struct {
	issuer  string
	cfg     TokenConfig
	store   Store
	jwks    *JWKSManager
	users   *UserStore
	catalog *ResourceCatalog
	logger  *slog.Logger
	now     func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store Store, jwks *JWKSManager, users *UserStore, catalog *ResourceCatalog, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:  cfg.Server.Issuer(),
		cfg:     cfg.Tokens,
		store:   store,
		jwks:    jwks,
		users:   users,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}
}

// grant carries what every issuance path needs to know about the user's authorization.
type grant struct {
	userID    string
	scope     string
	idp       string
	sessionID string
	authTime  time.Time
	nonce     string
	audience  []string
}

// MintForAuthorizationCode exchanges a consumed auth code for tokens.
func (ts *TokenService) MintForAuthorizationCode(ctx context.Context, code AuthorizationCode, client *Client) (TokenResponse, error) {
	if !client.ValidateScopes(code.Scope) {
		return TokenResponse{}, fmt.Errorf("invalid scope")
	}

	g := grant{
		userID:    code.UserID,
		scope:     code.Scope,
		idp:       code.IDP,
		sessionID: code.SessionID,
		authTime:  code.AuthTime,
		nonce:     code.Nonce,
		audience:  ts.audience(code.Scope),
	}
	resp, err := ts.issue(ctx, g, client, "authorization_code")
	if err != nil {
		return TokenResponse{}, err
	}

	if ts.offlineAllowed(client, code.Scope) {
		rt := ts.newRefreshToken(g, client.ClientID, "")
		if err := ts.store.SaveRefreshToken(ctx, rt); err != nil {
			return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
		}
		resp.RefreshToken = rt.ID
		metrics.TokenIssued("authorization_code", "refresh")
	}
	return resp, nil
}

// MintForRefreshToken redeems a refresh token. With rotation on, the presented
// token is taken out of the store first so it cannot be redeemed twice.
func (ts *TokenService) MintForRefreshToken(ctx context.Context, token string, client *Client) (TokenResponse, error) {
	rt, err := ts.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: unknown token", ErrRefreshTokenInvalid)
		}
		return TokenResponse{}, err
	}
	if rt.ClientID != client.ClientID {
		return TokenResponse{}, fmt.Errorf("%w: client mismatch", ErrRefreshTokenInvalid)
	}
	if !ts.now().Before(rt.ExpiresAt) {
		_ = ts.store.DeleteRefreshToken(ctx, rt.ID)
		return TokenResponse{}, fmt.Errorf("%w: expired", ErrRefreshTokenInvalid)
	}

	if ts.cfg.RotateRefresh {
		if _, err := ts.store.TakeRefreshToken(ctx, rt.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return TokenResponse{}, fmt.Errorf("%w: already used", ErrRefreshTokenInvalid)
			}
			return TokenResponse{}, err
		}
	}

	g := grant{
		userID:    rt.UserID,
		scope:     rt.Scope,
		idp:       rt.IDP,
		sessionID: rt.SessionID,
		authTime:  rt.AuthTime,
		audience:  rt.Audience,
	}
	resp, err := ts.issue(ctx, g, client, "refresh_token")
	if err != nil {
		return TokenResponse{}, err
	}

	if ts.cfg.RotateRefresh {
		next := ts.newRefreshToken(g, client.ClientID, rt.ID)
		if err := ts.store.SaveRefreshToken(ctx, next); err != nil {
			return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
		}
		resp.RefreshToken = next.ID
		metrics.TokenIssued("refresh_token", "refresh")
	} else {
		resp.RefreshToken = rt.ID
	}
	return resp, nil
}

// User resolves a subject, falling back to external users recorded in the store
// by other instances.
func (ts *TokenService) User(ctx context.Context, subject string) (*User, error) {
	if u, ok := ts.users.Get(subject); ok {
		return u, nil
	}
	u, err := ts.store.GetUser(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("user %s no longer exists", subject)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", subject, err)
	}
	return ts.users.Adopt(u), nil
}

func (ts *TokenService) issue(ctx context.Context, g grant, client *Client, grantType string) (TokenResponse, error) {
	user, err := ts.User(ctx, g.userID)
	if err != nil {
		return TokenResponse{}, err
	}

	ttl := ts.cfg.AccessTTL
	if client.AccessTokenTTL > 0 {
		ttl = client.AccessTokenTTL
	}
	access, err := ts.signAccess(g, user, client.ClientID, ttl)
	if err != nil {
		return TokenResponse{}, err
	}
	metrics.TokenIssued(grantType, "access")

	resp := TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       g.scope,
	}

	if slices.Contains(strings.Fields(g.scope), "openid") {
		idToken, err := ts.signIDToken(g, client.ClientID)
		if err != nil {
			return TokenResponse{}, err
		}
		resp.IDToken = idToken
		metrics.TokenIssued(grantType, "id")
	}
	return resp, nil
}

func (ts *TokenService) signAccess(g grant, user *User, clientID string, ttl time.Duration) (string, error) {
	now := ts.now()
	claims := AccessTokenClaims{
		Scope:    g.scope,
		ClientID: clientID,
		IDP:      g.idp,
		AuthTime: g.authTime.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   user.Subject,
			Audience:  jwt.ClaimStrings(g.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewID(),
		},
	}
	mapClaims, err := claimsToMap(claims)
	if err != nil {
		return "", err
	}
	// API resources ask for user claims (role) to be carried in the access token.
	for k, v := range user.ClaimsFor(ts.catalog.APIClaims(g.scope)) {
		if _, reserved := mapClaims[k]; !reserved {
			mapClaims[k] = v
		}
	}
	return ts.jwks.Sign(mapClaims)
}

// signIDToken mints a minimal ID token. Profile claims are left to /userinfo.
func (ts *TokenService) signIDToken(g grant, clientID string) (string, error) {
	now := ts.now()
	claims := jwt.MapClaims{
		"iss":       ts.issuer,
		"sub":       g.userID,
		"aud":       clientID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(ts.cfg.IDTokenTTL).Unix(),
		"auth_time": g.authTime.Unix(),
		"idp":       g.idp,
		"sid":       g.sessionID,
	}
	if g.nonce != "" {
		claims["nonce"] = g.nonce
	}
	return ts.jwks.Sign(claims)
}

// ValidateAccessToken parses and validates a token minted by this service.
// Expiry is checked without leeway.
func (ts *TokenService) ValidateAccessToken(_ context.Context, token string) (*AccessTokenClaims, error) {
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// ParseIDTokenHint verifies the signature and issuer of an ID token presented
// at logout. An expired hint is still accepted.
func (ts *TokenService) ParseIDTokenHint(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, ts.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	if iss, _ := claims.GetIssuer(); iss != ts.issuer {
		return nil, fmt.Errorf("id_token_hint issuer mismatch")
	}
	return claims, nil
}

// Introspect returns RFC 7662 metadata for an access or refresh token.
func (ts *TokenService) Introspect(ctx context.Context, token string, client *Client) map[string]any {
	if claims, err := ts.ValidateAccessToken(ctx, token); err == nil {
		active := map[string]any{
			"active":     true,
			"scope":      claims.Scope,
			"client_id":  claims.ClientID,
			"sub":        claims.Subject,
			"aud":        []string(claims.Audience),
			"iss":        claims.Issuer,
			"jti":        claims.ID,
			"token_type": "access_token",
		}
		if claims.ExpiresAt != nil {
			active["exp"] = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			active["iat"] = claims.IssuedAt.Unix()
		}
		return active
	}

	rt, err := ts.store.GetRefreshToken(ctx, token)
	if err != nil || rt.ClientID != client.ClientID || !ts.now().Before(rt.ExpiresAt) {
		return map[string]any{"active": false}
	}
	return map[string]any{
		"active":     true,
		"scope":      rt.Scope,
		"client_id":  rt.ClientID,
		"sub":        rt.UserID,
		"aud":        rt.Audience,
		"iss":        ts.issuer,
		"exp":        rt.ExpiresAt.Unix(),
		"iat":        rt.IssuedAt.Unix(),
		"token_type": "refresh_token",
	}
}

// Revoke deletes a refresh token owned by client. Access tokens are stateless
// and unknown tokens are ignored, as RFC 7009 asks.
func (ts *TokenService) Revoke(ctx context.Context, client *Client, token string) error {
	rt, err := ts.store.GetRefreshToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rt.ClientID != client.ClientID {
		ts.logger.Warn("revoke for foreign refresh token", "client_id", client.ClientID, "owner", rt.ClientID)
		return nil
	}
	return ts.store.DeleteRefreshToken(ctx, rt.ID)
}

func (ts *TokenService) newRefreshToken(g grant, clientID, parent string) RefreshToken {
	now := ts.now()
	return RefreshToken{
		ID:        NewID(),
		ClientID:  clientID,
		UserID:    g.userID,
		Scope:     g.scope,
		Audience:  slices.Clone(g.audience),
		IDP:       g.idp,
		SessionID: g.sessionID,
		AuthTime:  g.authTime,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.cfg.RefreshTTL),
		ParentID:  parent,
	}
}

func (ts *TokenService) audience(scope string) []string {
	aud := ts.catalog.Audiences(scope)
	if ts.cfg.EmitStaticAudience {
		aud = append(aud, ts.issuer+"/resources")
	}
	return aud
}

func (ts *TokenService) offlineAllowed(client *Client, scope string) bool {
	return ts.cfg.RefreshTTL > 0 &&
		client.AllowOfflineAccess &&
		slices.Contains(strings.Fields(scope), "offline_access")
}

func verifyPKCE(code AuthorizationCode, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	if code.CodeChallengeMethod != "S256" {
		return fmt.Errorf("unsupported code_challenge_method %q", code.CodeChallengeMethod)
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if !constantTimeEqual(expected, code.CodeChallenge) {
		return fmt.Errorf("pkce verification failed")
	}
	return nil
}

func claimsToMap(claims any) (jwt.MapClaims, error) {
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	var out jwt.MapClaims
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// userinfoClaims returns the identity claims the token's scopes release for user.
func (ts *TokenService) userinfoClaims(user *User, scope string) map[string]any {
	out := map[string]any{"sub": user.Subject}
	maps.Copy(out, user.ClaimsFor(ts.catalog.IdentityClaims(scope)))
	return out
}
