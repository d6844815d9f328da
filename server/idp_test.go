package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type stubProvider struct {
	lastNonce string
	user      ProviderUser
	err       error
}

func (s *stubProvider) DisplayName() string { return "Stub Login" }

func (s *stubProvider) AuthCodeURL(state, nonce string) string {
	s.lastNonce = nonce
	return "https://upstream.test/authorize?" + url.Values{"state": {state}, "nonce": {nonce}}.Encode()
}

func (s *stubProvider) Exchange(_ context.Context, code, expectedNonce string) (ProviderUser, error) {
	if s.err != nil {
		return ProviderUser{}, s.err
	}
	if code != "upstream-code" || expectedNonce != s.lastNonce {
		return ProviderUser{}, errors.New("unexpected exchange")
	}
	return s.user, nil
}

func TestExternalLoginProvisionsUser(t *testing.T) {
	idp := newTestIDP(t)
	stub := &stubProvider{user: ProviderUser{Subject: "abc", Name: "Ext User", Email: "ext@example.com"}}
	idp.app.Providers = map[string]IdentityProvider{"stub": stub}

	reqID := requestID(t, idp.get(t, idp.authorizeURL("openid profile", "ext")), "/login")

	page := idp.get(t, "/login?request="+reqID)
	body, _ := io.ReadAll(page.Body)
	if !strings.Contains(string(body), "/login/external/stub?request="+reqID) {
		t.Fatalf("login page does not offer the external provider:\n%s", body)
	}

	resp := idp.get(t, "/login/external/stub?request="+reqID)
	if resp.StatusCode != http.StatusFound || !strings.HasPrefix(resp.Header.Get("Location"), "https://upstream.test/authorize") {
		t.Fatalf("expected redirect upstream, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	consentID := requestID(t, idp.get(t, "/callback/stub?"+url.Values{"state": {reqID}, "code": {"upstream-code"}}.Encode()), "/consent")
	params := callbackParams(t, idp.postForm(t, "/consent", url.Values{"request": {consentID}, "decision": {"allow"}}))

	res := idp.redeem(t, params.Get("code"))
	if res.status != http.StatusOK {
		t.Fatalf("token exchange failed: %d %v", res.status, res.body)
	}
	claims := idp.parse(t, res.body["access_token"].(string))
	if claims["sub"] != "stub:abc" || claims["idp"] != "stub" {
		t.Fatalf("unexpected external identity: %v", claims)
	}
	if u, ok := idp.app.Users.Get("stub:abc"); !ok || u.Claims["email"] != "ext@example.com" {
		t.Fatalf("external user not provisioned: %+v", u)
	}
}

func TestExternalLoginCallbackRejectsUnknownState(t *testing.T) {
	idp := newTestIDP(t)
	idp.app.Providers = map[string]IdentityProvider{"stub": &stubProvider{}}

	resp := idp.get(t, "/callback/stub?state=forged&code=upstream-code")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", resp.StatusCode)
	}
}

func TestExternalLoginUpstreamErrorRedirectsToClient(t *testing.T) {
	idp := newTestIDP(t)
	stub := &stubProvider{}
	idp.app.Providers = map[string]IdentityProvider{"stub": stub}

	reqID := requestID(t, idp.get(t, idp.authorizeURL("openid", "up")), "/login")
	idp.get(t, "/login/external/stub?request="+reqID)

	params := callbackParams(t, idp.get(t, "/callback/stub?state="+reqID+"&error=access_denied"))
	if params.Get("error") != "access_denied" || params.Get("state") != "up" {
		t.Fatalf("unexpected error redirect: %v", params)
	}
}

func TestBuildProvidersSkipsBrokenIssuerInDevMode(t *testing.T) {
	broken := httptest.NewServer(http.NotFoundHandler())
	defer broken.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DefaultConfig()
	cfg.Providers = map[string]UpstreamProvider{"corp": {Issuer: broken.URL, ClientID: "x"}}

	providers, err := BuildProviders(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("dev mode should skip the broken provider: %v", err)
	}
	if len(providers) != 0 {
		t.Fatalf("expected no providers, got %d", len(providers))
	}

	cfg.Server.DevMode = false
	if _, err := BuildProviders(context.Background(), cfg, logger); err == nil {
		t.Fatalf("expected discovery failure outside dev mode")
	}

	cfg.Providers = map[string]UpstreamProvider{localProviderName: {Issuer: broken.URL, ClientID: "x"}}
	if _, err := BuildProviders(context.Background(), cfg, logger); err == nil {
		t.Fatalf("expected reserved provider name to be rejected")
	}
}
