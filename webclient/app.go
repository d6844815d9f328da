// Package webclient is the gallery's browser-facing application. It signs users
// in at the IDP with the authorization-code flow, keeps their tokens in a
// server-side session and calls the image API on their behalf.
package webclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"imagegallery/metrics"
	"imagegallery/middleware"
	"imagegallery/policy"
)

// Policy names evaluated by the client.
const (
	PolicyCanOrderFrame = "CanOrderFrame"
	PolicyCanAddImage   = "CanAddImage"
)

// App wires the client's pieces together.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Auth     *Authenticator
	Sessions *SessionStore
	API      *APIClient
	Policies *policy.Engine
}

// NewApp discovers the IDP and prepares sessions and the API client. hc is used
// for all outgoing calls; nil selects a default client.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, hc *http.Client) (*App, error) {
	auth, err := NewAuthenticator(ctx, cfg, hc)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	engine := policy.NewEngine(logger)
	engine.Register(PolicyCanOrderFrame, policy.All(
		policy.Authenticated(),
		policy.MustExpression(`has(claims.country) && claims.country == "be" && `+
			`has(claims.subscriptionlevel) && claims.subscriptionlevel == "PayingUser"`),
	))
	engine.Register(PolicyCanAddImage, policy.All(policy.Authenticated(), policy.RequireClaim("role", "PayingUser")))

	return &App{
		Config:   cfg,
		Logger:   logger,
		Auth:     auth,
		Sessions: sessions,
		API:      NewAPIClient(cfg.API, auth, hc, logger),
		Policies: engine,
	}, nil
}

// Close stops the session store.
func (a *App) Close() error {
	a.Sessions.Close()
	return nil
}

// Routes constructs the client router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(a.Logger))
	r.Use(middleware.Recovery(a.Logger, a.Config.Server.DevMode))
	r.Use(middleware.Metrics("client"))
	if !a.Config.Server.DevMode {
		r.Use(middleware.SecurityHeaders(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/login", a.handleLogin)
	r.Get(a.Config.OIDC.RedirectPath, a.handleCallback)
	r.Get("/logout", a.handleLogout)
	r.Post("/logout", a.handleLogout)
	if a.Config.OIDC.PostLogoutPath != "" {
		r.Get(a.Config.OIDC.PostLogoutPath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/", http.StatusFound)
		})
	}
	r.Get("/access-denied", a.handleAccessDenied)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.requireSession)
		r.Get("/", a.handleIndex)
		r.Get("/images/add", a.handleAddForm)
		r.Post("/images/add", a.handleAdd)
		r.Get("/images/{id}", a.handleImage)
		r.Post("/images/{id}/delete", a.handleDelete)
		r.Get("/order-frame", a.handleOrderFrame)
	})

	return r
}

// requireSession sends anonymous browsers to /login, remembering where they were going.
func (a *App) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.Sessions.Load(r)
		if err != nil {
			returnTo := r.URL.RequestURI()
			if r.Method != http.MethodGet {
				returnTo = "/"
			}
			http.Redirect(w, r, "/login?return_to="+url.QueryEscape(returnTo), http.StatusFound)
			return
		}
		middleware.SetSubject(r.Context(), sess.Subject)
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	a.startLogin(w, r, safeReturnTo(r.URL.Query().Get("return_to")), false)
}

func (a *App) startLogin(w http.ResponseWriter, r *http.Request, returnTo string, retry bool) {
	p := PendingLogin{
		State:    rand.Text(),
		Nonce:    rand.Text(),
		Verifier: oauth2.GenerateVerifier(),
		ReturnTo: returnTo,
		Retry:    retry,
	}
	if err := a.Sessions.BeginLogin(w, p); err != nil {
		a.Logger.Error("begin login", "err", err)
		a.renderError(w, http.StatusInternalServerError, middleware.GenericFaultMessage)
		return
	}
	http.Redirect(w, r, a.Auth.AuthCodeURL(p), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := a.Sessions.FinishLogin(w, r, q.Get("state"))
	if err != nil {
		// Never retried: a mismatched state may be a forged callback.
		a.Logger.Warn("sign-in callback rejected", "err", err)
		a.renderError(w, http.StatusBadRequest, "The sign-in response could not be verified. Please start again.")
		return
	}

	if e := q.Get("error"); e != "" {
		a.Logger.Info("sign-in refused by identity provider", "error", e, "description", q.Get("error_description"))
		status := http.StatusBadGateway
		msg := "The identity provider could not sign you in."
		if e == "access_denied" {
			status = http.StatusForbidden
			msg = "You declined to grant access to the gallery."
		}
		a.renderError(w, status, msg)
		return
	}

	sess, err := a.Auth.Exchange(r.Context(), q.Get("code"), p)
	if err != nil {
		a.Logger.Warn("code exchange failed", "err", err, "retry", !p.Retry)
		if !p.Retry {
			a.startLogin(w, r, p.ReturnTo, true)
			return
		}
		a.renderError(w, http.StatusBadGateway, "Signing in failed. Please try again later.")
		return
	}

	if err := a.Sessions.Create(w, sess); err != nil {
		a.Logger.Error("create session", "err", err)
		a.renderError(w, http.StatusInternalServerError, middleware.GenericFaultMessage)
		return
	}
	middleware.SetSubject(r.Context(), sess.Subject)
	a.Logger.Info("user signed in", "sub", sess.Subject)
	http.Redirect(w, r, p.ReturnTo, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	a.Sessions.Destroy(w, r)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if tok := sess.Token(); tok != nil && tok.RefreshToken != "" {
		if err := a.Auth.Revoke(r.Context(), tok.RefreshToken); err != nil {
			a.Logger.Warn("refresh token revocation failed", "sub", sess.Subject, "err", err)
		}
	}
	a.Logger.Info("user signed out", "sub", sess.Subject)

	target := a.Auth.EndSessionURL(sess.IDToken, a.Config.PostLogoutURL(), rand.Text())
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	images, err := a.API.ListImages(r.Context(), sess)
	if err != nil {
		a.apiFailure(w, r, err)
		return
	}
	a.render(w, http.StatusOK, "index", indexPage{
		page:   a.pageFor(sess, "Gallery"),
		Images: images,
	})
}

func (a *App) handleImage(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	img, err := a.API.GetImage(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		a.apiFailure(w, r, err)
		return
	}
	a.render(w, http.StatusOK, "image", imagePage{page: a.pageFor(sess, img.Title), Image: img})
}

func (a *App) handleAddForm(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	if !a.allowed(w, r, PolicyCanAddImage, sess) {
		return
	}
	a.render(w, http.StatusOK, "add", addPage{page: a.pageFor(sess, "Add an image")})
}

func (a *App) handleAdd(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	if !a.allowed(w, r, PolicyCanAddImage, sess) {
		return
	}
	title := strings.TrimSpace(r.PostFormValue("title"))
	if title == "" {
		a.render(w, http.StatusUnprocessableEntity, "add", addPage{
			page:  a.pageFor(sess, "Add an image"),
			Error: "A title is required.",
		})
		return
	}
	if _, err := a.API.CreateImage(r.Context(), sess, title); err != nil {
		a.apiFailure(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	if err := a.API.DeleteImage(r.Context(), sess, chi.URLParam(r, "id")); err != nil {
		a.apiFailure(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *App) handleOrderFrame(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	if !a.allowed(w, r, PolicyCanOrderFrame, sess) {
		return
	}

	// The address is read live from the IDP rather than kept in the session.
	access, err := a.API.accessToken(r.Context(), sess)
	if err != nil {
		a.apiFailure(w, r, err)
		return
	}
	info, err := a.Auth.UserInfo(r.Context(), &oauth2.Token{AccessToken: access, TokenType: "Bearer"})
	if err != nil {
		a.Logger.Error("userinfo failed", "sub", sess.Subject, "err", err)
		a.renderError(w, http.StatusBadGateway, middleware.GenericFaultMessage)
		return
	}
	address := ""
	if v, ok := info["address"]; ok && v != nil {
		address = fmt.Sprint(v)
	}
	a.render(w, http.StatusOK, "orderframe", orderFramePage{page: a.pageFor(sess, "Order a frame"), Address: address})
}

func (a *App) handleAccessDenied(w http.ResponseWriter, r *http.Request) {
	sess, _ := a.Sessions.Load(r)
	a.render(w, http.StatusForbidden, "denied", a.pageFor(sess, "Access denied"))
}

// allowed evaluates a client-side policy; a denial redirects to /access-denied.
func (a *App) allowed(w http.ResponseWriter, r *http.Request, name string, sess *Session) bool {
	err := a.Policies.Authorize(r.Context(), name, principalOf(sess), policy.Target{})
	switch {
	case err == nil:
		return true
	case errors.Is(err, policy.ErrUnauthenticated):
		http.Redirect(w, r, "/login?return_to="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
	case errors.Is(err, policy.ErrForbidden):
		http.Redirect(w, r, "/access-denied", http.StatusFound)
	default:
		a.Logger.Error("policy evaluation failed", "policy", name, "err", err)
		a.renderError(w, http.StatusInternalServerError, middleware.GenericFaultMessage)
	}
	return false
}

// apiFailure turns an API call error into a browser response.
func (a *App) apiFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrRefreshFailed), errors.Is(err, ErrAPIUnauthorized):
		a.Logger.Info("session no longer usable, signing in again", "err", err)
		a.Sessions.Destroy(w, r)
		returnTo := "/"
		if r.Method == http.MethodGet {
			returnTo = r.URL.RequestURI()
		}
		http.Redirect(w, r, "/login?return_to="+url.QueryEscape(returnTo), http.StatusFound)
	case errors.Is(err, ErrAPIForbidden):
		http.Redirect(w, r, "/access-denied", http.StatusFound)
	case errors.Is(err, ErrAPINotFound):
		a.renderError(w, http.StatusNotFound, "That image does not exist.")
	default:
		a.Logger.Error("api call failed",
			"request_id", middleware.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"err", err,
		)
		a.renderError(w, http.StatusBadGateway, middleware.GenericFaultMessage)
	}
}

func principalOf(sess *Session) *policy.Principal {
	if sess == nil {
		return nil
	}
	var scopes []string
	if tok := sess.Token(); tok != nil {
		if s, ok := tok.Extra("scope").(string); ok {
			scopes = strings.Fields(s)
		}
	}
	return &policy.Principal{Subject: sess.Subject, Scopes: scopes, Claims: sess.Claims}
}

// safeReturnTo only allows local absolute paths.
func safeReturnTo(v string) string {
	if v == "" || !strings.HasPrefix(v, "/") || strings.HasPrefix(v, "//") || strings.HasPrefix(v, "/\\") {
		return "/"
	}
	return v
}
