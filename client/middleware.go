package client

import (
	"context"
	"net/http"
	"strings"

	"imagegallery/metrics"
	"imagegallery/middleware"
)

type claimsKey struct{}

// RequireAuth validates the bearer token and stores the principal in the
// request context. Failures get a generic 401; the reason is only logged.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Validate(r.Context(), BearerToken(r))
			metrics.TokenValidation(Reason(err))
			if err != nil {
				v.logger.Warn("token rejected",
					"request_id", middleware.RequestIDFromContext(r.Context()),
					"reason", Reason(err),
					"err", err,
				)
				challenge := `Bearer realm="imagegallery"`
				if r.Header.Get("Authorization") != "" {
					challenge += `, error="invalid_token"`
				}
				w.Header().Set("WWW-Authenticate", challenge)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			middleware.SetSubject(r.Context(), claims.Subject)
			middleware.SetClientID(r.Context(), claims.ClientID)
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}
