package server

import (
	"slices"
	"strings"
)

// ResourceCatalog resolves requested scopes into released claims and token audiences.
type ResourceCatalog struct {
	identity []IdentityResource
	apis     []APIResource
}

// NewResourceCatalog indexes identity and API resources from configuration.
func NewResourceCatalog(identity []IdentityResource, apis []APIResource) *ResourceCatalog {
	return &ResourceCatalog{identity: slices.Clone(identity), apis: slices.Clone(apis)}
}

// IdentityClaims lists the user claims released by the identity scopes in scope.
func (rc *ResourceCatalog) IdentityClaims(scope string) []string {
	requested := strings.Fields(scope)
	var claims []string
	for _, r := range rc.identity {
		if !slices.Contains(requested, r.Name) {
			continue
		}
		for _, c := range r.Claims {
			if !slices.Contains(claims, c) {
				claims = append(claims, c)
			}
		}
	}
	return claims
}

// Audiences lists the API resources reachable with scope.
func (rc *ResourceCatalog) Audiences(scope string) []string {
	requested := strings.Fields(scope)
	var out []string
	for _, api := range rc.apis {
		if slices.ContainsFunc(api.Scopes, func(s string) bool { return slices.Contains(requested, s) }) {
			out = append(out, api.Name)
		}
	}
	return out
}

// APIClaims lists the user claims the granted API resources want in the access token.
func (rc *ResourceCatalog) APIClaims(scope string) []string {
	requested := strings.Fields(scope)
	var claims []string
	for _, api := range rc.apis {
		if !slices.ContainsFunc(api.Scopes, func(s string) bool { return slices.Contains(requested, s) }) {
			continue
		}
		for _, c := range api.UserClaims {
			if !slices.Contains(claims, c) {
				claims = append(claims, c)
			}
		}
	}
	return claims
}

// Scopes returns every scope name the catalog can grant.
func (rc *ResourceCatalog) Scopes() []string {
	out := []string{}
	for _, r := range rc.identity {
		out = append(out, r.Name)
	}
	for _, api := range rc.apis {
		out = append(out, api.Scopes...)
	}
	return append(out, "offline_access")
}

// Claims returns every claim name the catalog can release.
func (rc *ResourceCatalog) Claims() []string {
	var out []string
	for _, r := range rc.identity {
		for _, c := range r.Claims {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Describe returns a human readable label for the consent screen.
func (rc *ResourceCatalog) Describe(scope string) string {
	switch scope {
	case "openid":
		return "Your user identifier"
	case "profile":
		return "Your name"
	case "offline_access":
		return "Access while you are not signed in"
	}
	for _, api := range rc.apis {
		if slices.Contains(api.Scopes, scope) {
			return "Access to " + api.Name
		}
	}
	for _, r := range rc.identity {
		if r.Name == scope {
			return "Your " + strings.Join(r.Claims, ", ")
		}
	}
	return scope
}
