package webclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"imagegallery/metrics"
)

var (
	ErrAPIUnauthorized = errors.New("api rejected the access token")
	ErrAPIForbidden    = errors.New("api denied access")
	ErrAPINotFound     = errors.New("api resource not found")
)

// Image mirrors the API's image representation.
type Image struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FileName  string    `json:"file_name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// APIClient calls the image API on behalf of a session, refreshing the access
// token first when it is about to expire.
type APIClient struct {
	baseURL string
	http    *http.Client
	auth    *Authenticator
	skew    time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// One refresh per session at a time; concurrent callers share the result.
	refreshes singleflight.Group
}

// NewAPIClient builds a client for cfg.API.
func NewAPIClient(cfg APIConfig, auth *Authenticator, hc *http.Client, logger *slog.Logger) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &APIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		auth:    auth,
		skew:    cfg.RefreshSkew,
		logger:  logger,
		now:     time.Now,
	}
}

// accessToken returns a usable access token for sess, refreshing it when it
// expires within the skew.
func (c *APIClient) accessToken(ctx context.Context, sess *Session) (string, error) {
	tok := sess.Token()
	if tok == nil {
		return "", ErrRefreshFailed
	}
	if tok.AccessToken != "" && (tok.Expiry.IsZero() || tok.Expiry.After(c.now().Add(c.skew))) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		metrics.TokenRefresh("no_refresh_token")
		return "", fmt.Errorf("%w: access token expired and no refresh token", ErrRefreshFailed)
	}

	v, err, _ := c.refreshes.Do(sess.ID, func() (any, error) {
		// Another caller may have refreshed while this one waited.
		if cur := sess.Token(); cur != tok && cur.Expiry.After(c.now().Add(c.skew)) {
			return cur, nil
		}
		fresh, err := c.auth.Refresh(context.WithoutCancel(ctx), tok.RefreshToken)
		if err != nil {
			metrics.TokenRefresh("failure")
			return nil, err
		}
		if fresh.RefreshToken == "" {
			// Non-rotating IDP: keep the existing refresh token.
			fresh.RefreshToken = tok.RefreshToken
		}
		if idt, ok := fresh.Extra("id_token").(string); ok && idt != "" {
			sess.IDToken = idt
		}
		sess.setToken(fresh)
		metrics.TokenRefresh("success")
		c.logger.Info("access token refreshed", "sub", sess.Subject, "expires", fresh.Expiry)
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Do sends an authenticated request to the API and decodes a JSON response
// into out when it is non-nil.
func (c *APIClient) Do(ctx context.Context, sess *Session, method, path string, body, out any) error {
	token, err := c.accessToken(ctx, sess)
	if err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAPIUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return ErrAPIForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrAPINotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *APIClient) ListImages(ctx context.Context, sess *Session) ([]Image, error) {
	var images []Image
	err := c.Do(ctx, sess, http.MethodGet, "/api/images", nil, &images)
	return images, err
}

func (c *APIClient) GetImage(ctx context.Context, sess *Session, id string) (Image, error) {
	var img Image
	err := c.Do(ctx, sess, http.MethodGet, "/api/images/"+id, nil, &img)
	return img, err
}

func (c *APIClient) CreateImage(ctx context.Context, sess *Session, title string) (Image, error) {
	var img Image
	err := c.Do(ctx, sess, http.MethodPost, "/api/images", map[string]string{"title": title}, &img)
	return img, err
}

func (c *APIClient) DeleteImage(ctx context.Context, sess *Session, id string) error {
	return c.Do(ctx, sess, http.MethodDelete, "/api/images/"+id, nil, nil)
}
