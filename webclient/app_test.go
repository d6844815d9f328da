package webclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegallery/client"
	"imagegallery/gallery"
	"imagegallery/server"
)

// stack runs the identity provider, the image API and the web client on
// httptest servers, wired to each other the way the default configs are.
type stack struct {
	idp     *httptest.Server
	api     *httptest.Server
	web     *httptest.Server
	app     *App
	browser *http.Client
}

func lateBound(t *testing.T) (*httptest.Server, func(http.Handler)) {
	t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func(h http.Handler) { handler = h }
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	idpSrv, setIDP := lateBound(t)
	apiSrv, setAPI := lateBound(t)
	webSrv, setWeb := lateBound(t)

	idpCfg := server.DefaultConfig()
	idpCfg.Server.PublicURL = idpSrv.URL
	idpCfg.Keys = server.KeyConfig{RetainPrevious: 1}
	idpCfg.Clients[0].RedirectURIs = []string{webSrv.URL + "/signin-oidc"}
	idpCfg.Clients[0].PostLogoutRedirectURIs = []string{webSrv.URL + "/signout-callback-oidc"}
	idp, err := server.NewApp(ctx, idpCfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idp.Close() })
	setIDP(idp.Routes())

	apiCfg := gallery.DefaultConfig()
	apiCfg.Server.PublicURL = apiSrv.URL
	apiCfg.Auth.Issuer = idpSrv.URL
	apiCfg.Database = gallery.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}
	repo, err := gallery.OpenRepository(ctx, apiCfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.Seed(ctx, gallery.SeedImages()))
	validator, err := client.NewValidator(ctx, apiCfg.ValidatorConfig(logger))
	require.NoError(t, err)
	t.Cleanup(validator.Close)
	setAPI(gallery.New(apiCfg, logger, repo, validator).Routes())

	webCfg := DefaultConfig()
	webCfg.Server.PublicURL = webSrv.URL
	webCfg.OIDC.Issuer = idpSrv.URL
	webCfg.API.BaseURL = apiSrv.URL
	webCfg.Session.SigningKey = strings.Repeat("k", minSigningKeyLength)
	app, err := NewApp(ctx, webCfg, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	setWeb(app.Routes())

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &stack{idp: idpSrv, api: apiSrv, web: webSrv, app: app, browser: browser}
}

func (s *stack) get(t *testing.T, target string) *http.Response {
	t.Helper()
	if strings.HasPrefix(target, "/") {
		target = s.web.URL + target
	}
	resp, err := s.browser.Get(target)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *stack) post(t *testing.T, target string, form url.Values) *http.Response {
	t.Helper()
	if strings.HasPrefix(target, "/") {
		target = s.web.URL + target
	}
	resp, err := s.browser.PostForm(target, form)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// location resolves the redirect target of resp.
func location(t *testing.T, resp *http.Response) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode, "expected a redirect from %s", resp.Request.URL)
	loc, err := resp.Location()
	require.NoError(t, err)
	return loc
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// signIn walks the browser through login and consent at the IDP and returns
// the client page it lands on.
func (s *stack) signIn(t *testing.T, username, path string) *http.Response {
	t.Helper()

	toLogin := location(t, s.get(t, path))
	require.Equal(t, "/login", toLogin.Path)

	toIDP := location(t, s.get(t, toLogin.String()))
	require.True(t, strings.HasPrefix(toIDP.String(), s.idp.URL+"/authorize"), toIDP.String())
	assert.Equal(t, "S256", toIDP.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, toIDP.Query().Get("nonce"))

	loginPage := location(t, s.get(t, toIDP.String()))
	requestID := loginPage.Query().Get("request")
	require.NotEmpty(t, requestID)

	consent := location(t, s.post(t, s.idp.URL+"/login", url.Values{
		"request":  {requestID},
		"username": {username},
		"password": {"password"},
	}))
	require.Equal(t, "/consent", consent.Path)

	callback := location(t, s.post(t, s.idp.URL+"/consent", url.Values{
		"request":  {requestID},
		"decision": {"allow"},
		"remember": {"true"},
	}))
	require.True(t, strings.HasPrefix(callback.String(), s.web.URL+"/signin-oidc"), callback.String())

	landing := location(t, s.get(t, callback.String()))
	assert.Equal(t, path, landing.RequestURI())
	return s.get(t, landing.String())
}

func (s *stack) onlySession(t *testing.T) *Session {
	t.Helper()
	items := s.app.Sessions.sessions.Items()
	require.Len(t, items, 1)
	for _, item := range items {
		return item.Value()
	}
	return nil
}

func TestSignInAndListImages(t *testing.T) {
	s := newStack(t)

	resp := s.signIn(t, "Claire", "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := body(t, resp)
	assert.Contains(t, page, "An image by Claire")
	assert.NotContains(t, page, "An image by Frank")
	assert.Contains(t, page, "Add an image", "PayingUser sees the add link")

	sess := s.onlySession(t)
	assert.Equal(t, "b7539694-97e7-4dfe-84da-b4256e1ff5c7", sess.Subject)
	assert.Equal(t, "be", sess.Claims["country"])
	assert.Equal(t, "PayingUser", sess.Claims["subscriptionlevel"])
	for _, dropped := range []string{"sid", "idp", "s_hash", "auth_time"} {
		assert.NotContains(t, sess.Claims, dropped)
	}
	assert.NotEmpty(t, sess.Token().RefreshToken)
}

func TestReturnToSurvivesLogin(t *testing.T) {
	s := newStack(t)
	resp := s.signIn(t, "Claire", "/images/add")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpiredAccessTokenIsRefreshedSilently(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusOK, s.signIn(t, "Frank", "/").StatusCode)

	sess := s.onlySession(t)
	old := sess.Token()
	expired := *old
	expired.Expiry = time.Now().Add(-time.Minute)
	sess.setToken(&expired)

	resp := s.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), "An image by Frank")

	fresh := sess.Token()
	assert.NotEqual(t, old.AccessToken, fresh.AccessToken)
	assert.NotEqual(t, old.RefreshToken, fresh.RefreshToken, "refresh tokens rotate")
	assert.True(t, fresh.Expiry.After(time.Now()))
}

func TestFailedRefreshSendsBrowserToLogin(t *testing.T) {
	s := newStack(t)
	require.Equal(t, http.StatusOK, s.signIn(t, "Frank", "/").StatusCode)

	sess := s.onlySession(t)
	broken := *sess.Token()
	broken.Expiry = time.Now().Add(-time.Minute)
	broken.RefreshToken = "not-a-refresh-token"
	sess.setToken(&broken)

	loc := location(t, s.get(t, "/"))
	assert.Equal(t, "/login", loc.Path)
	assert.Zero(t, s.app.Sessions.Len(), "session is dropped")
}

func TestCallbackStateMismatch(t *testing.T) {
	s := newStack(t)

	// Start a real login so a correlation cookie and pending entry exist.
	toIDP := location(t, s.get(t, "/login"))
	require.NotEmpty(t, toIDP.Query().Get("state"))

	resp := s.get(t, "/signin-oidc?code=anything&state=forged")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, s.app.Sessions.Len())

	// The genuine state is no longer usable either.
	resp = s.get(t, "/signin-oidc?code=anything&state="+url.QueryEscape(toIDP.Query().Get("state")))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, s.app.Sessions.Len())
}

func TestConsentDeniedShowsError(t *testing.T) {
	s := newStack(t)
	toIDP := location(t, s.get(t, "/login"))
	loginPage := location(t, s.get(t, toIDP.String()))
	requestID := loginPage.Query().Get("request")

	location(t, s.post(t, s.idp.URL+"/login", url.Values{
		"request": {requestID}, "username": {"Frank"}, "password": {"password"},
	}))
	callback := location(t, s.post(t, s.idp.URL+"/consent", url.Values{
		"request": {requestID}, "decision": {"deny"},
	}))
	assert.Equal(t, "access_denied", callback.Query().Get("error"))

	resp := s.get(t, callback.String())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, s.app.Sessions.Len())
}

func TestPoliciesInTheClient(t *testing.T) {
	t.Run("free user cannot add or order", func(t *testing.T) {
		s := newStack(t)
		s.signIn(t, "Frank", "/")

		assert.Equal(t, "/access-denied", location(t, s.get(t, "/images/add")).Path)
		assert.Equal(t, "/access-denied", location(t, s.get(t, "/order-frame")).Path)
	})

	t.Run("paying user in belgium orders a frame", func(t *testing.T) {
		s := newStack(t)
		s.signIn(t, "Claire", "/")

		resp := s.get(t, "/order-frame")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body(t, resp), "Big Street 2")
	})

	t.Run("someone else's image is denied by the api", func(t *testing.T) {
		s := newStack(t)
		s.signIn(t, "Claire", "/")

		franks := gallery.SeedImages()[0].ID.String()
		assert.Equal(t, "/access-denied", location(t, s.get(t, "/images/"+franks)).Path)
		assert.Equal(t, http.StatusForbidden, s.get(t, "/access-denied").StatusCode)
	})
}

func TestAddAndDeleteImage(t *testing.T) {
	s := newStack(t)
	s.signIn(t, "Claire", "/")

	resp := s.post(t, "/images/add", url.Values{"title": {"Harbour at dusk"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	sess := s.onlySession(t)
	images, err := s.app.API.ListImages(context.Background(), sess)
	require.NoError(t, err)
	var added *Image
	for i := range images {
		if images[i].Title == "Harbour at dusk" {
			added = &images[i]
		}
	}
	require.NotNil(t, added)

	detail := s.get(t, "/images/"+added.ID)
	require.Equal(t, http.StatusOK, detail.StatusCode)
	assert.Contains(t, body(t, detail), "Harbour at dusk")

	resp = s.post(t, "/images/"+added.ID+"/delete", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	// A deleted image has no owner, so the API denies it like anyone else's.
	assert.Equal(t, "/access-denied", location(t, s.get(t, "/images/"+added.ID)).Path)
}

func TestLogout(t *testing.T) {
	s := newStack(t)
	s.signIn(t, "Frank", "/")

	toIDP := location(t, s.post(t, "/logout", nil))
	require.True(t, strings.HasPrefix(toIDP.String(), s.idp.URL+"/logout"), toIDP.String())
	assert.NotEmpty(t, toIDP.Query().Get("id_token_hint"))
	assert.Zero(t, s.app.Sessions.Len())

	back := location(t, s.get(t, toIDP.String()))
	assert.Equal(t, s.web.URL+"/signout-callback-oidc", back.Scheme+"://"+back.Host+back.Path)
	assert.NotEmpty(t, back.Query().Get("state"))

	assert.Equal(t, "/", location(t, s.get(t, back.String())).Path)
	assert.Equal(t, "/login", location(t, s.get(t, "/")).Path, "signed out browsers must log in again")
}

func TestSafeReturnTo(t *testing.T) {
	cases := map[string]string{
		"":                     "/",
		"/images/1":            "/images/1",
		"//evil.example":       "/",
		"/\\evil.example":      "/",
		"https://evil.example": "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeReturnTo(in), in)
	}
}
