// Package metrics declares the Prometheus collectors shared by the gallery services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_http_requests_total",
		Help: "HTTP requests served, by service, route and status code",
	}, []string{"service", "route", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gallery_http_request_duration_seconds",
		Help:    "HTTP request latency, by service and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "route"})

	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_idp_tokens_issued_total",
		Help: "Tokens issued by the identity provider, by grant type and token kind",
	}, []string{"grant_type", "kind"})

	codeRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_idp_code_redemptions_total",
		Help: "Authorization code redemption attempts, by outcome",
	}, []string{"outcome"})

	tokenValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_api_token_validations_total",
		Help: "Bearer token validations at the resource server, by outcome",
	}, []string{"outcome"})

	policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_api_policy_decisions_total",
		Help: "Authorization policy decisions, by policy and outcome",
	}, []string{"policy", "outcome"})

	jwksRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_jwks_refreshes_total",
		Help: "Signing key set refreshes at the resource server, by trigger and outcome",
	}, []string{"trigger", "outcome"})

	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gallery_client_token_refreshes_total",
		Help: "Silent access token refreshes performed by the web client, by outcome",
	}, []string{"outcome"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one served request.
func ObserveHTTP(service, route, code string, seconds float64) {
	httpRequests.WithLabelValues(service, route, code).Inc()
	httpDuration.WithLabelValues(service, route).Observe(seconds)
}

// TokenIssued counts a minted token; kind is access, id or refresh.
func TokenIssued(grantType, kind string) {
	tokensIssued.WithLabelValues(grantType, kind).Inc()
}

// CodeRedemption counts an authorization code redemption attempt.
func CodeRedemption(outcome string) {
	codeRedemptions.WithLabelValues(outcome).Inc()
}

// TokenValidation counts a bearer validation result.
func TokenValidation(outcome string) {
	tokenValidations.WithLabelValues(outcome).Inc()
}

// PolicyDecision counts an authorization decision.
func PolicyDecision(policy, outcome string) {
	policyDecisions.WithLabelValues(policy, outcome).Inc()
}

// JWKSRefresh counts a key set refresh; trigger is interval or kid_miss.
func JWKSRefresh(trigger, outcome string) {
	jwksRefreshes.WithLabelValues(trigger, outcome).Inc()
}

// TokenRefresh counts a client-side refresh_token grant.
func TokenRefresh(outcome string) {
	tokenRefreshes.WithLabelValues(outcome).Inc()
}
