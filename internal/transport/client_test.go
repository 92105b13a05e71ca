// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/router"
)

func newClient(t *testing.T, srv *httptest.Server, tokens *TokenSource, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: srv.URL, Timeout: 2 * time.Second, ClientID: "test-client", UserAgent: "syncward-test"}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, tokens, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func resolve(t *testing.T, op *operation.Operation) *router.Request {
	t.Helper()
	req, err := router.New().Resolve(op)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return req
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set(operation.HeaderIdempotencyKey, r.Header.Get(operation.HeaderIdempotencyKey))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv, NewTokenSource("tok-1", nil, false), nil)
	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	ctx := logging.ContextWithTraceID(context.Background(), "trace-abc")

	res := c.Do(ctx, op, resolve(t, op))
	if res.Class != ClassSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if !res.Acknowledged {
		t.Error("echoed idempotency key should acknowledge")
	}

	checks := map[string]string{
		operation.HeaderIdempotencyKey: op.IdempotencyKey,
		"Authorization":                "Bearer tok-1",
		HeaderClientID:                 "test-client",
		HeaderTraceID:                  "trace-abc",
		"Content-Type":                 "application/json",
		"User-Agent":                   "syncward-test",
	}
	for k, want := range checks {
		if got.Get(k) != want {
			t.Errorf("header %s = %q, want %q", k, got.Get(k), want)
		}
	}
	if body["status"] != "on" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{200, ClassSuccess},
		{201, ClassSuccess},
		{204, ClassSuccess},
		{400, ClassFatal},
		{403, ClassFatal},
		{404, ClassFatal},
		{408, ClassRetryable},
		{409, ClassConflict},
		{422, ClassFatal},
		{429, ClassRetryable},
		{500, ClassRetryable},
		{503, ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := Classify(tt.status); got != tt.want {
				t.Errorf("Classify(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestRetryAfterIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(t, srv, nil, nil)
	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	res := c.Do(context.Background(), op, resolve(t, op))

	if res.Class != ClassRetryable {
		t.Fatalf("expected retryable, got %s", res.Class)
	}
	if res.RetryAfter == nil || *res.RetryAfter != 5*time.Second {
		t.Errorf("expected 5s hint, got %v", res.RetryAfter)
	}
	if !IsRetryable(res.Error()) {
		t.Error("result error should be retryable")
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv, nil, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	res := c.Do(context.Background(), op, resolve(t, op))

	if res.Class != ClassRetryable || res.Err == nil {
		t.Fatalf("expected retryable timeout, got %+v", res)
	}
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := newClient(t, srv, nil, nil)
	srv.Close()

	op := operation.New(operation.Delete, "device", "42", nil)
	res := c.Do(context.Background(), op, resolve(t, op))
	if res.Class != ClassRetryable {
		t.Errorf("expected retryable, got %s", res.Class)
	}
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	var calls atomic.Int32
	var keys sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		keys.Store(n, r.Header.Get(operation.HeaderIdempotencyKey))
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	tokens := NewTokenSource("stale", RefresherFunc(func(context.Context) (string, error) {
		refreshes.Add(1)
		return "fresh", nil
	}), false)
	c := newClient(t, srv, tokens, nil)

	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	res := c.Do(context.Background(), op, resolve(t, op))

	if res.Class != ClassSuccess {
		t.Fatalf("expected success after refresh, got %+v", res)
	}
	if refreshes.Load() != 1 || calls.Load() != 2 {
		t.Errorf("expected 1 refresh and 2 calls, got %d and %d", refreshes.Load(), calls.Load())
	}
	k1, _ := keys.Load(int32(1))
	k2, _ := keys.Load(int32(2))
	if k1 != op.IdempotencyKey || k2 != op.IdempotencyKey {
		t.Error("idempotency key must be identical across the resend")
	}
}

func TestUnauthorizedTwiceIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	tokens := NewTokenSource("stale", RefresherFunc(func(context.Context) (string, error) {
		refreshes.Add(1)
		return "still-bad", nil
	}), false)
	c := newClient(t, srv, tokens, nil)

	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	res := c.Do(context.Background(), op, resolve(t, op))
	if res.Class != ClassAuth {
		t.Fatalf("expected auth failure, got %s", res.Class)
	}
	if refreshes.Load() != 1 || calls.Load() != 2 {
		t.Errorf("expected exactly one refresh and one resend, got %d refreshes %d calls", refreshes.Load(), calls.Load())
	}
}

func TestFailedRefreshIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := NewTokenSource("stale", RefresherFunc(func(context.Context) (string, error) {
		return "", errors.New("refresh endpoint down")
	}), false)
	c := newClient(t, srv, tokens, nil)

	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	res := c.Do(context.Background(), op, resolve(t, op))
	if res.Class != ClassAuth || calls.Load() != 1 {
		t.Errorf("expected auth failure without resend, got %s after %d calls", res.Class, calls.Load())
	}
}

func TestConflictBodyParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"version":5,"state":{"status":"off","brightness":80}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, nil, nil)
	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"}).WithVersion(3)
	res := c.Do(context.Background(), op, resolve(t, op))

	if res.Class != ClassConflict || res.Conflict == nil {
		t.Fatalf("expected parsed conflict, got %+v", res)
	}
	if res.Conflict.Version == nil || *res.Conflict.Version != 5 {
		t.Errorf("expected version 5, got %v", res.Conflict.Version)
	}
	if res.Conflict.State["brightness"] != float64(80) {
		t.Errorf("unexpected state %v", res.Conflict.State)
	}
}

func TestAcknowledgementIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Config{Level: "error", Output: io.Discard}) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(operation.HeaderIdempotencyKey, r.Header.Get(operation.HeaderIdempotencyKey))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv, nil, nil)
	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	if res := c.Do(context.Background(), op, resolve(t, op)); !res.Acknowledged {
		t.Fatalf("expected acknowledged result, got %+v", res)
	}
	if !strings.Contains(buf.String(), `"acknowledged":true`) {
		t.Errorf("completion log lacks the acknowledgement: %s", buf.String())
	}
}

func TestFlatConflictBodyIsNotState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version_conflict","message":"stale version","version":5,"status":"off"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, nil, nil)
	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"}).WithVersion(3)
	res := c.Do(context.Background(), op, resolve(t, op))

	if res.Class != ClassConflict {
		t.Fatalf("class = %s", res.Class)
	}
	if res.Conflict != nil {
		t.Errorf("flat error body must not be taken as resource state, got %+v", res.Conflict)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device/42":
			_, _ = w.Write([]byte(`{"id":"42","version":9,"status":"off","updated_at":"2026-03-01T10:00:00Z"}`))
		case "/device/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := newClient(t, srv, nil, nil)
	op := operation.New(operation.Update, "device", "42", map[string]any{})
	ctx := context.Background()

	r, err := c.Fetch(ctx, op, "/device/42")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !r.Exists || r.Version == nil || *r.Version != 9 || r.State["status"] != "off" {
		t.Errorf("unexpected resource %+v", r)
	}
	if _, ok := r.State["version"]; ok {
		t.Error("version should not be part of flat state")
	}
	if r.UpdatedAt.IsZero() {
		t.Error("expected updated_at parsed")
	}

	r, err = c.Fetch(ctx, op, "/device/gone")
	if err != nil || r.Exists {
		t.Errorf("expected absent resource, got %+v err=%v", r, err)
	}

	_, err = c.Fetch(ctx, op, "/device/flaky")
	if !IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestProactiveRefreshOfExpiredJWT(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := expired.SignedString([]byte("irrelevant-secret-for-tests-only"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tokens := NewTokenSource(signed, RefresherFunc(func(context.Context) (string, error) {
		return "renewed", nil
	}), true)
	c := newClient(t, srv, tokens, nil)

	op := operation.New(operation.Delete, "device", "42", nil)
	if res := c.Do(context.Background(), op, resolve(t, op)); res.Class != ClassSuccess {
		t.Fatalf("expected success, got %s", res.Class)
	}
	if seen.Load() != "Bearer renewed" {
		t.Errorf("expected refreshed token to be sent, got %v", seen.Load())
	}
}

func TestOpaqueTokenIsNotRefreshedProactively(t *testing.T) {
	var refreshes atomic.Int32
	tokens := NewTokenSource("opaque-token", RefresherFunc(func(context.Context) (string, error) {
		refreshes.Add(1)
		return "x", nil
	}), true)
	if got := tokens.Token(context.Background()); got != "opaque-token" || refreshes.Load() != 0 {
		t.Errorf("opaque token should pass through, got %q refreshes=%d", got, refreshes.Load())
	}
}

func TestHTTPRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"new-token"}`))
	}))
	defer srv.Close()

	r := &HTTPRefresher{URL: srv.URL, ClientID: "c", Client: srv.Client()}
	tok, err := r.Refresh(context.Background())
	if err != nil || tok != "new-token" {
		t.Errorf("unexpected refresh result %q err=%v", tok, err)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "not a url"}, nil, nil); err == nil {
		t.Error("expected error")
	}
}
