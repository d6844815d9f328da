package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"imagegallery/metrics"
	"imagegallery/middleware"
)

const localProviderName = "local"

// invalidGrantDescription is the only detail a client gets for a failed code
// or refresh token redemption.
const invalidGrantDescription = "the grant is invalid, expired or already used"

// App bundles runtime dependencies for the identity provider.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     Store
	Sessions  *SessionManager
	Tokens    *TokenService
	JWKS      *JWKSManager
	Clients   *ClientRegistry
	Users     *UserStore
	Resources *ResourceCatalog
	Providers map[string]IdentityProvider
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, err := NewStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	jwks, err := NewJWKSManager(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}

	users, err := NewUserStore(cfg.Users)
	if err != nil {
		return nil, err
	}

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	resources := NewResourceCatalog(cfg.IdentityResources, cfg.APIResources)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  NewSessionManager(cfg, store, logger),
		Tokens:    NewTokenService(cfg, store, jwks, users, resources, logger),
		JWKS:      jwks,
		Clients:   clients,
		Users:     users,
		Resources: resources,
		Providers: providers,
	}, nil
}

// Close releases the backing store.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildDiscoveryDocument(a.Config, a.Resources))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.JWKS.PublicJWKS())
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err, "client_id", req.ClientID)
		switch {
		case errors.Is(err, ErrInvalidClient):
			a.renderError(w, http.StatusBadRequest, "Unknown client.")
		case errors.Is(err, ErrInvalidRedirectURI):
			a.renderError(w, http.StatusBadRequest, "The redirect URI is not registered for this client.")
		default:
			var ae *authorizeError
			code, desc := "invalid_request", err.Error()
			if errors.As(err, &ae) {
				code, desc = ae.code, ae.desc
			}
			redirectError(w, r, req.RedirectURI, req.State, code, desc)
		}
		return
	}
	middleware.SetClientID(r.Context(), req.ClientID)

	req.ID = NewID()
	req.CreatedAt = time.Now()
	if err := a.Store.SaveAuthRequest(r.Context(), req); err != nil {
		a.Logger.Error("save auth request", "error", err)
		redirectError(w, r, req.RedirectURI, req.State, "server_error", "failed to start login")
		return
	}

	session, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch error", "error", err)
	}
	a.resume(w, r, req, session)
}

// resume sends a parked request to whichever step it still needs: login,
// consent, or code issuance.
func (a *App) resume(w http.ResponseWriter, r *http.Request, req AuthRequest, session *Session) {
	if session == nil {
		http.Redirect(w, r, "/login?request="+url.QueryEscape(req.ID), http.StatusFound)
		return
	}
	middleware.SetSubject(r.Context(), session.UserID)

	client, ok := a.Clients.Get(req.ClientID)
	if !ok {
		a.renderError(w, http.StatusBadRequest, "Unknown client.")
		return
	}
	if client.RequireConsent && !session.HasConsent(client.ClientID, req.Scope) {
		http.Redirect(w, r, "/consent?request="+url.QueryEscape(req.ID), http.StatusFound)
		return
	}

	if err := a.completeAuthorize(w, r, req, session); err != nil {
		a.Logger.Error("authorize issue code", "error", err)
		redirectError(w, r, req.RedirectURI, req.State, "server_error", "failed to issue code")
	}
}

func (a *App) loadAuthRequest(w http.ResponseWriter, r *http.Request, id string) (AuthRequest, bool) {
	if id == "" {
		a.renderError(w, http.StatusBadRequest, "Missing login request.")
		return AuthRequest{}, false
	}
	req, err := a.Store.GetAuthRequest(r.Context(), id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.Logger.Error("load auth request", "error", err)
		}
		a.renderError(w, http.StatusBadRequest, "This login request has expired. Return to the application and try again.")
		return AuthRequest{}, false
	}
	return req, true
}

func (a *App) loginPage(req AuthRequest, username, msg string) loginPage {
	page := loginPage{Title: "Sign in", RequestID: req.ID, Username: username, Error: msg}
	for _, name := range providerNames(a.Providers) {
		page.Providers = append(page.Providers, providerLink{Name: name, DisplayName: a.Providers[name].DisplayName()})
	}
	return page
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	req, ok := a.loadAuthRequest(w, r, r.URL.Query().Get("request"))
	if !ok {
		return
	}
	a.render(w, http.StatusOK, "login", a.loginPage(req, "", ""))
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderError(w, http.StatusBadRequest, "Invalid form.")
		return
	}
	req, ok := a.loadAuthRequest(w, r, r.PostFormValue("request"))
	if !ok {
		return
	}

	username := r.PostFormValue("username")
	user, err := a.Users.Authenticate(username, r.PostFormValue("password"))
	if err != nil {
		a.Logger.Warn("login failed", "username", username, "error", err)
		a.render(w, http.StatusUnauthorized, "login", a.loginPage(req, username, "Invalid username or password."))
		return
	}

	session, err := a.Sessions.Create(w, r, user)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		a.renderError(w, http.StatusInternalServerError, "Could not start a session.")
		return
	}
	a.resume(w, r, req, session)
}

func (a *App) handleExternalLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "idp")
	provider, ok := a.Providers[name]
	if !ok {
		a.renderError(w, http.StatusBadRequest, "Login provider not configured.")
		return
	}
	req, ok := a.loadAuthRequest(w, r, r.URL.Query().Get("request"))
	if !ok {
		return
	}

	req.Provider = name
	req.UpstreamNonce = NewID()
	if err := a.Store.SaveAuthRequest(r.Context(), req); err != nil {
		a.Logger.Error("save auth request", "error", err)
		a.renderError(w, http.StatusInternalServerError, "Could not start external login.")
		return
	}
	http.Redirect(w, r, provider.AuthCodeURL(req.ID, req.UpstreamNonce), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "idp")
	provider, ok := a.Providers[name]
	if !ok {
		http.Error(w, "provider not configured", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	req, ok := a.loadAuthRequest(w, r, q.Get("state"))
	if !ok {
		return
	}
	if req.Provider != name {
		a.Logger.Warn("callback provider mismatch", "expected", req.Provider, "got", name)
		a.renderError(w, http.StatusBadRequest, "Login provider mismatch.")
		return
	}
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.Warn("upstream login error", "provider", name, "error", upstreamErr)
		_ = a.Store.DeleteAuthRequest(r.Context(), req.ID)
		redirectError(w, r, req.RedirectURI, req.State, "access_denied", "external login failed")
		return
	}
	code := q.Get("code")
	if code == "" {
		a.renderError(w, http.StatusBadRequest, "Missing authorization code.")
		return
	}

	pu, err := provider.Exchange(r.Context(), code, req.UpstreamNonce)
	if err != nil {
		a.Logger.Error("exchange failed", "provider", name, "error", err)
		a.renderError(w, http.StatusBadGateway, "External login failed.")
		return
	}
	user := a.Users.ProvisionExternal(name, pu)
	if err := a.Store.SaveUser(r.Context(), *user); err != nil {
		a.Logger.Error("save external user", "provider", name, "error", err)
		a.renderError(w, http.StatusInternalServerError, "Could not start a session.")
		return
	}

	session, err := a.Sessions.Create(w, r, user)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		a.renderError(w, http.StatusInternalServerError, "Could not start a session.")
		return
	}
	a.resume(w, r, req, session)
}

func (a *App) consentContext(w http.ResponseWriter, r *http.Request, id string) (AuthRequest, *Session, bool) {
	req, ok := a.loadAuthRequest(w, r, id)
	if !ok {
		return AuthRequest{}, nil, false
	}
	session, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch error", "error", err)
	}
	if session == nil {
		http.Redirect(w, r, "/login?request="+url.QueryEscape(req.ID), http.StatusFound)
		return AuthRequest{}, nil, false
	}
	return req, session, true
}

func (a *App) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	req, _, ok := a.consentContext(w, r, r.URL.Query().Get("request"))
	if !ok {
		return
	}
	page := consentPage{Title: "Consent", RequestID: req.ID, ClientID: req.ClientID}
	for _, sc := range strings.Fields(req.Scope) {
		page.Scopes = append(page.Scopes, a.Resources.Describe(sc))
	}
	a.render(w, http.StatusOK, "consent", page)
}

func (a *App) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderError(w, http.StatusBadRequest, "Invalid form.")
		return
	}
	req, session, ok := a.consentContext(w, r, r.PostFormValue("request"))
	if !ok {
		return
	}
	middleware.SetSubject(r.Context(), session.UserID)

	if r.PostFormValue("decision") != "allow" {
		a.Logger.Info("consent declined", "client_id", req.ClientID, "user_sub", session.UserID, "error", ErrConsentDenied)
		_ = a.Store.DeleteAuthRequest(r.Context(), req.ID)
		redirectError(w, r, req.RedirectURI, req.State, "access_denied", "the user declined consent")
		return
	}

	if r.PostFormValue("remember") == "true" {
		if session.Consents == nil {
			session.Consents = map[string]string{}
		}
		granted := strings.Fields(session.Consents[req.ClientID])
		for _, sc := range strings.Fields(req.Scope) {
			if !slices.Contains(granted, sc) {
				granted = append(granted, sc)
			}
		}
		session.Consents[req.ClientID] = strings.Join(granted, " ")
		if err := a.Sessions.Save(r.Context(), session); err != nil {
			a.Logger.Warn("remember consent", "error", err)
		}
	}

	if err := a.completeAuthorize(w, r, req, session); err != nil {
		a.Logger.Error("consent issue code", "error", err)
		redirectError(w, r, req.RedirectURI, req.State, "server_error", "failed to issue code")
	}
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		a.Logger.Warn("token client authentication failed", "error", err)
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	middleware.SetClientID(r.Context(), client.ClientID)

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r, client)
	case "refresh_token":
		a.handleTokenRefresh(w, r, client)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client *Client) {
	code := r.PostFormValue("code")
	if code == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	}

	authCode, err := a.Store.ConsumeAuthCode(r.Context(), code, client.ClientID, r.PostFormValue("redirect_uri"))
	if err != nil {
		if errors.Is(err, ErrCodeExpiredOrConsumed) {
			metrics.CodeRedemption("rejected")
			a.Logger.Warn("code redemption rejected", "client_id", client.ClientID, "reason", err)
			tokenError(w, http.StatusBadRequest, "invalid_grant", invalidGrantDescription)
			return
		}
		metrics.CodeRedemption("error")
		a.Logger.Error("consume code", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	middleware.SetSubject(r.Context(), authCode.UserID)

	if authCode.CodeChallenge != "" || client.RequirePKCE {
		if err := verifyPKCE(authCode, r.PostFormValue("code_verifier")); err != nil {
			metrics.CodeRedemption("pkce_failed")
			a.Logger.Warn("code redemption rejected", "client_id", client.ClientID, "reason", err)
			tokenError(w, http.StatusBadRequest, "invalid_grant", invalidGrantDescription)
			return
		}
	}

	tokens, err := a.Tokens.MintForAuthorizationCode(r.Context(), authCode, client)
	if err != nil {
		metrics.CodeRedemption("error")
		a.Logger.Error("mint auth code", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	metrics.CodeRedemption("success")
	writeTokenJSON(w, tokens)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client *Client) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	tokens, err := a.Tokens.MintForRefreshToken(r.Context(), refreshToken, client)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) {
			a.Logger.Warn("refresh rejected", "client_id", client.ClientID, "reason", err)
			tokenError(w, http.StatusBadRequest, "invalid_grant", invalidGrantDescription)
			return
		}
		a.Logger.Error("refresh failed", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeTokenJSON(w, tokens)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		bearerError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	claims, err := a.Tokens.ValidateAccessToken(r.Context(), token)
	if err != nil {
		a.Logger.Warn("userinfo token rejected", "error", err)
		bearerError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	middleware.SetSubject(r.Context(), claims.Subject)
	if !claims.HasScope("openid") {
		bearerError(w, http.StatusForbidden, "insufficient_scope")
		return
	}

	user, err := a.Tokens.User(r.Context(), claims.Subject)
	if err != nil {
		a.Logger.Warn("userinfo subject unknown", "sub", claims.Subject, "error", err)
		bearerError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, a.Tokens.userinfoClaims(user, claims.Scope))
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	middleware.SetClientID(r.Context(), client.ClientID)

	token := r.PostFormValue("token")
	if token == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "missing token")
		return
	}
	writeJSON(w, http.StatusOK, a.Tokens.Introspect(r.Context(), token, client))
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	middleware.SetClientID(r.Context(), client.ClientID)

	token := r.PostFormValue("token")
	if token == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "missing token")
		return
	}
	if err := a.Tokens.Revoke(r.Context(), client, token); err != nil {
		a.Logger.Error("revoke", "error", err)
		tokenError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLogout ends the identity provider session. A post-logout redirect is
// honoured only when it is registered for the client named by the ID token hint.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderError(w, http.StatusBadRequest, "Invalid request.")
		return
	}
	a.Sessions.Destroy(w, r)

	target := r.FormValue("post_logout_redirect_uri")
	clientID := r.FormValue("client_id")
	if hint := r.FormValue("id_token_hint"); hint != "" {
		claims, err := a.Tokens.ParseIDTokenHint(hint)
		if err != nil {
			a.Logger.Warn("logout id_token_hint rejected", "error", err)
			target = ""
		} else if aud, _ := claims.GetAudience(); len(aud) > 0 {
			if clientID != "" && clientID != aud[0] {
				target = ""
			}
			clientID = aud[0]
		}
	}

	if target != "" && clientID != "" {
		if client, ok := a.Clients.Get(clientID); ok && client.ValidPostLogoutRedirect(target) {
			u, _ := url.Parse(target)
			if state := r.FormValue("state"); state != "" {
				q := u.Query()
				q.Set("state", state)
				u.RawQuery = q.Encode()
			}
			http.Redirect(w, r, u.String(), http.StatusFound)
			return
		}
		a.Logger.Warn("logout redirect not registered", "client_id", clientID, "post_logout_redirect_uri", target)
	}
	a.render(w, http.StatusOK, "loggedout", messagePage{Title: "Signed out"})
}

// authorizeError is an error that may be reported back to a verified redirect URI.
type authorizeError struct {
	code string
	desc string
}

func (e *authorizeError) Error() string {
	return e.code + ": " + e.desc
}

// parseAuthorizeRequest validates the authorize query. The client and redirect
// URI are checked first; until both pass, nothing may be sent to redirect_uri.
func (a *App) parseAuthorizeRequest(r *http.Request) (AuthRequest, error) {
	q := r.URL.Query()
	req := AuthRequest{
		ClientID: q.Get("client_id"),
		State:    q.Get("state"),
	}

	client, ok := a.Clients.Get(req.ClientID)
	if !ok {
		return req, fmt.Errorf("%w: %q", ErrInvalidClient, req.ClientID)
	}
	redirectURI := q.Get("redirect_uri")
	if !client.ValidRedirect(redirectURI) {
		return req, fmt.Errorf("%w: %q", ErrInvalidRedirectURI, redirectURI)
	}
	req.RedirectURI = redirectURI

	if q.Get("response_type") != "code" {
		return req, &authorizeError{"unsupported_response_type", "only response_type=code is supported"}
	}

	req.Scope = strings.Join(strings.Fields(q.Get("scope")), " ")
	if req.Scope == "" {
		return req, &authorizeError{"invalid_scope", "scope is required"}
	}
	if !client.ValidateScopes(req.Scope) {
		return req, &authorizeError{"invalid_scope", "scope not allowed for this client"}
	}
	if slices.Contains(strings.Fields(req.Scope), "offline_access") && !client.AllowOfflineAccess {
		return req, &authorizeError{"invalid_scope", "offline_access not allowed for this client"}
	}

	req.CodeChallenge = q.Get("code_challenge")
	req.CodeChallengeMethod = q.Get("code_challenge_method")
	if req.CodeChallenge == "" && client.RequirePKCE {
		return req, &authorizeError{"invalid_request", "code_challenge required"}
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return req, &authorizeError{"invalid_request", "code_challenge_method must be S256"}
	}

	req.Nonce = q.Get("nonce")
	return req, nil
}

func (a *App) completeAuthorize(w http.ResponseWriter, r *http.Request, req AuthRequest, session *Session) error {
	now := time.Now()
	authCode := AuthorizationCode{
		Code:                NewID(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		SessionID:           session.ID,
		UserID:              session.UserID,
		IDP:                 session.IDP,
		AuthTime:            session.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.Config.Tokens.CodeTTL),
	}
	if err := a.Store.SaveAuthCode(r.Context(), authCode); err != nil {
		return err
	}
	if err := a.Store.DeleteAuthRequest(r.Context(), req.ID); err != nil {
		a.Logger.Warn("delete auth request", "error", err)
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return err
	}
	values := redirect.Query()
	values.Set("code", authCode.Code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	a.Logger.Info("authorization code issued", "client_id", req.ClientID, "user_sub", session.UserID)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
	return nil
}

func (a *App) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		// RFC 6749 2.3.1: basic credentials are form-urlencoded.
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if secret, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = secret
		}
	} else {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	return a.Clients.Authenticate(clientID, clientSecret)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTokenJSON(w http.ResponseWriter, v TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, v)
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, body)
}

func bearerError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q`, code))
	writeJSON(w, status, map[string]string{"error": code})
}

// redirectError reports an authorize failure to a redirect URI that has already
// been matched against the client's registration.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	uri, err := url.Parse(redirectURI)
	if redirectURI == "" || err != nil || !isSafeRedirectURI(redirectURI) {
		tokenError(w, http.StatusBadRequest, code, desc)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	http.Redirect(w, r, uri.String(), http.StatusFound)
}

func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
