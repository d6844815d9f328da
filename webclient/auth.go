package webclient

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// droppedClaims never reach the session.
var droppedClaims = []string{"sid", "idp", "s_hash", "auth_time", "nonce", "at_hash", "c_hash"}

// userinfoClaims are copied from the userinfo response when the ID token lacks them.
var userinfoClaims = []string{"name", "given_name", "family_name", "role", "subscriptionlevel", "country"}

// Authenticator runs the authorization-code flow against the IDP.
type Authenticator struct {
	provider      *oidc.Provider
	verifier      *oidc.IDTokenVerifier
	oauth2        oauth2.Config
	httpClient    *http.Client
	fetchUserInfo bool

	revocationURL string
	endSessionURL string
}

// NewAuthenticator discovers the IDP and prepares the OAuth2 client.
func NewAuthenticator(ctx context.Context, cfg Config, hc *http.Client) (*Authenticator, error) {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	dctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, hc), cfg.OIDC.DiscoveryTimeout)
	defer cancel()

	provider, err := oidc.NewProvider(dctx, cfg.OIDC.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", cfg.OIDC.Issuer, err)
	}
	var extra struct {
		Revocation string `json:"revocation_endpoint"`
		EndSession string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("read provider metadata: %w", err)
	}

	return &Authenticator{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.RedirectURL(),
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.OIDC.Scopes,
		},
		httpClient:    hc,
		fetchUserInfo: cfg.OIDC.FetchUserInfo,
		revocationURL: extra.Revocation,
		endSessionURL: extra.EndSession,
	}, nil
}

func (a *Authenticator) ctx(ctx context.Context) context.Context {
	return oidc.ClientContext(context.WithValue(ctx, oauth2.HTTPClient, a.httpClient), a.httpClient)
}

// AuthCodeURL builds the authorize redirect for a pending login.
func (a *Authenticator) AuthCodeURL(p PendingLogin) string {
	return a.oauth2.AuthCodeURL(p.State,
		oauth2.S256ChallengeOption(p.Verifier),
		oidc.Nonce(p.Nonce),
	)
}

// Exchange redeems code and builds the session: the ID token is verified
// (signature, issuer, audience, expiry, nonce) and userinfo is merged in.
func (a *Authenticator) Exchange(ctx context.Context, code string, p PendingLogin) (*Session, error) {
	ctx = a.ctx(ctx)
	token, err := a.oauth2.Exchange(ctx, code, oauth2.VerifierOption(p.Verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("token response carries no id_token")
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != p.Nonce {
		return nil, errors.New("id_token nonce mismatch")
	}

	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	if a.fetchUserInfo {
		info, err := a.UserInfo(ctx, token)
		if err != nil {
			return nil, err
		}
		if sub, _ := info["sub"].(string); sub != idToken.Subject {
			return nil, errors.New("userinfo subject does not match id_token")
		}
		mergeUserInfo(claims, info)
	}
	applyClaimActions(claims)

	sess := &Session{Subject: idToken.Subject, Claims: claims, IDToken: rawIDToken}
	sess.setToken(token)
	return sess, nil
}

// UserInfo fetches the caller's claims live from the IDP.
func (a *Authenticator) UserInfo(ctx context.Context, token *oauth2.Token) (map[string]any, error) {
	info, err := a.provider.UserInfo(a.ctx(ctx), oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	claims := map[string]any{}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return claims, nil
}

// Refresh redeems refreshToken for a new token set.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An empty access token forces the source to hit the token endpoint.
	src := a.oauth2.TokenSource(a.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return tok, nil
}

// Revoke asks the IDP to revoke a refresh token. The IDP answers 200 for
// unknown tokens too.
func (a *Authenticator) Revoke(ctx context.Context, refreshToken string) error {
	if a.revocationURL == "" || refreshToken == "" {
		return nil
	}
	form := url.Values{"token": {refreshToken}, "token_type_hint": {"refresh_token"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(a.oauth2.ClientID), url.QueryEscape(a.oauth2.ClientSecret))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: %s", resp.Status)
	}
	return nil
}

// EndSessionURL is where the browser goes to sign out at the IDP. It returns ""
// when the IDP publishes no end_session_endpoint.
func (a *Authenticator) EndSessionURL(idTokenHint, postLogoutRedirect, state string) string {
	if a.endSessionURL == "" {
		return ""
	}
	u, err := url.Parse(a.endSessionURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func mergeUserInfo(claims, info map[string]any) {
	for _, k := range userinfoClaims {
		if _, ok := claims[k]; ok {
			continue
		}
		if v, ok := info[k]; ok {
			claims[k] = v
		}
	}
}

// applyClaimActions removes protocol claims the application has no use for.
func applyClaimActions(claims map[string]any) {
	maps.DeleteFunc(claims, func(k string, _ any) bool {
		for _, d := range droppedClaims {
			if k == d {
				return true
			}
		}
		return false
	})
}
