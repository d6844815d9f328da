package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"imagegallery/metrics"
	"imagegallery/middleware"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(a.Logger))
	r.Use(middleware.Recovery(a.Logger, a.Config.Server.DevMode))
	r.Use(middleware.Metrics("idp"))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: a.Config.InferCORSOrigins(),
		AllowedMethods: DefaultCORSAllowedMethods,
		AllowedHeaders: DefaultCORSAllowedHeaders,
	}))
	if !a.Config.Server.DevMode {
		r.Use(middleware.SecurityHeaders(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Get("/login", a.handleLoginPage)
	r.Post("/login", a.handleLogin)
	r.Get("/login/external/{idp}", a.handleExternalLogin)
	r.Get("/callback/{idp}", a.handleCallback)
	r.Get("/consent", a.handleConsentPage)
	r.Post("/consent", a.handleConsent)

	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)
	r.Post("/userinfo", a.handleUserInfo)
	r.Post("/introspect", a.handleIntrospect)
	r.Post("/revoke", a.handleRevoke)
	r.Get("/logout", a.handleLogout)
	r.Post("/logout", a.handleLogout)

	r.Handle("/metrics", metrics.Handler())

	return r
}
