package policy

import (
	"errors"
	"net/http"
)

// PrincipalFunc extracts the caller from a request. It returns nil when the
// request is not authenticated.
type PrincipalFunc func(r *http.Request) *Principal

// TargetFunc extracts the targeted resource from a request.
type TargetFunc func(r *http.Request) Target

// NoTarget is a TargetFunc for routes that act on no specific resource.
func NoTarget(*http.Request) Target { return Target{} }

// Require enforces the named policy before next runs: 401 when the caller is
// not authenticated, 403 when the policy denies.
func Require(e *Engine, name string, principal PrincipalFunc, target TargetFunc) func(http.Handler) http.Handler {
	if target == nil {
		target = NoTarget
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := e.Authorize(r.Context(), name, principal(r), target(r))
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError maps an Authorize result to a response.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="imagegallery"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
