// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tomtom215/syncward/internal/logging"
)

// ErrRefreshUnavailable is returned when no refresher is configured.
var ErrRefreshUnavailable = errors.New("credential refresh not configured")

// expirySkew refreshes slightly before exp to absorb clock drift.
const expirySkew = 30 * time.Second

// Refresher obtains a new bearer token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (string, error)

func (f RefresherFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

// TokenSource holds the current bearer token.
type TokenSource struct {
	refresher Refresher
	proactive bool
	now       func() time.Time

	mu    sync.Mutex
	token string
}

// NewTokenSource creates a source seeded with token. refresher may be nil.
// With proactive set, JWT tokens whose exp claim has passed are refreshed
// before use.
func NewTokenSource(token string, refresher Refresher, proactive bool) *TokenSource {
	return &TokenSource{token: token, refresher: refresher, proactive: proactive, now: time.Now}
}

// Token returns the token to send. A failed proactive refresh falls back to
// the current token and leaves the 401 path to decide.
func (s *TokenSource) Token(ctx context.Context) string {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()

	if !s.proactive || s.refresher == nil || tok == "" {
		return tok
	}
	exp, ok := tokenExpiry(tok)
	if !ok || s.now().Add(expirySkew).Before(exp) {
		return tok
	}

	fresh, err := s.Refresh(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("proactive token refresh failed")
		return tok
	}
	logging.Debug().Time("expired_at", exp).Msg("bearer token refreshed before expiry")
	return fresh
}

// Refresh calls the refresher once and stores the result.
func (s *TokenSource) Refresh(ctx context.Context) (string, error) {
	if s.refresher == nil {
		return "", ErrRefreshUnavailable
	}
	tok, err := s.refresher.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh credentials: %w", err)
	}
	if tok == "" {
		return "", fmt.Errorf("refresh credentials: empty token")
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return tok, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// remote service is the one that verifies. Opaque tokens report false.
func tokenExpiry(tok string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// HTTPRefresher POSTs to a token endpoint and reads access_token from the
// JSON response.
type HTTPRefresher struct {
	URL      string
	ClientID string
	Client   *http.Client
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"client_id": r.ClientID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, logging.SanitizeText(strings.TrimSpace(string(data))))
	}

	var out refreshResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("refresh response missing access_token")
	}
	return out.AccessToken, nil
}
