package server

import "errors"

var (
	// ErrInvalidClient reports an unknown client or bad client credentials.
	ErrInvalidClient = errors.New("invalid client")
	// ErrInvalidRedirectURI reports a redirect URI not registered for the client.
	ErrInvalidRedirectURI = errors.New("invalid redirect uri")
	// ErrCodeExpiredOrConsumed covers every authorization code redemption failure.
	// Callers must not tell the client which binding check failed.
	ErrCodeExpiredOrConsumed = errors.New("authorization code expired or consumed")
	// ErrConsentDenied is returned when the user declines the consent screen.
	ErrConsentDenied = errors.New("consent denied")
	// ErrInvalidCredentials reports a failed username/password login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshTokenInvalid covers unknown, expired, revoked or foreign refresh tokens.
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	// ErrUnknownKey reports a token signed with a key this server never issued.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)
