// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package transport executes operations against the remote service and
// classifies each response as success, retryable, conflict or fatal.
//
// Every request carries the operation's idempotency key, a bearer token, a
// client identifier and a trace identifier. A 401 triggers exactly one
// credential refresh and one resend.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/syncward/internal/backoff"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/router"
	"golang.org/x/time/rate"
)

// Request headers.
const (
	HeaderClientID = "X-Client-ID"
	HeaderTraceID  = "X-Trace-ID"
)

// maxBodyBytes bounds how much of a response body is retained.
const maxBodyBytes = 1 << 20

// Class is the outcome of one remote call.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassRetryable Class = "retryable"
	ClassConflict  Class = "conflict"
	ClassFatal     Class = "fatal"
	// ClassAuth is a fatal outcome caused by credentials that could not be
	// refreshed.
	ClassAuth Class = "auth"
)

// Result describes a completed call.
type Result struct {
	Class      Class
	StatusCode int

	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter *time.Duration

	Body    []byte
	Latency time.Duration

	// Acknowledged is true when the server echoed the idempotency key or
	// flagged the response as a replay.
	Acknowledged bool
	Replayed     bool

	// Conflict is the server state parsed from a 409 body. Nil when the
	// body carried no usable state.
	Conflict *Resource

	// Err holds the network error of a failed call.
	Err error
}

// Error converts a non-success result to an error.
func (r *Result) Error() error {
	if r.Class == ClassSuccess {
		return nil
	}
	return &Error{Class: r.Class, StatusCode: r.StatusCode, RetryAfter: r.RetryAfter, Body: r.Body, Err: r.Err}
}

// Error is a failed remote call.
type Error struct {
	Class      Class
	StatusCode int
	RetryAfter *time.Duration
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	case len(e.Body) > 0:
		return fmt.Sprintf("%s: status %d: %s", e.Class, e.StatusCode, logging.SanitizeText(strings.TrimSpace(string(e.Body))))
	default:
		return fmt.Sprintf("%s: status %d", e.Class, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Class == ClassRetryable
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	ClientID  string
	UserAgent string

	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	tokens  *TokenSource
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates a client. httpClient may be nil; its own Timeout is ignored
// in favour of cfg.Timeout per call.
func New(cfg Config, tokens *TokenSource, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "syncward/1.0"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if tokens == nil {
		tokens = NewTokenSource("", nil, false)
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		http:   httpClient,
		tokens: tokens,
		now:    time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// Do applies op remotely using the resolved route. It never returns an
// error: every failure is classified into the Result.
func (c *Client) Do(ctx context.Context, op *operation.Operation, req *router.Request) Result {
	start := c.now()
	res := c.do(ctx, op, req.Method, req.Path, req.Body, req.Headers)
	res.Latency = c.now().Sub(start)

	log := logging.Ctx(ctx)
	ev := log.Debug()
	if res.Class != ClassSuccess {
		ev = log.Info()
	}
	ev.Str("operation_id", op.ID).
		Str("op_type", op.OpType.String()).
		Str("entity_type", op.EntityType).
		Str("method", req.Method).
		Int("status", res.StatusCode).
		Str("class", string(res.Class)).
		Dur("latency", res.Latency).
		Bool("acknowledged", res.Acknowledged).
		Bool("replayed", res.Replayed).
		Msg("remote call completed")

	if res.Class == ClassConflict {
		res.Conflict = parseConflict(res.Body)
	}
	return res
}

func (c *Client) do(ctx context.Context, op *operation.Operation, method, path string, body map[string]any, extra http.Header) Result {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return Result{Class: ClassFatal, Err: fmt.Errorf("encode body: %w", err)}
		}
	}

	token := c.tokens.Token(ctx)
	resp, data, err := c.send(ctx, op, method, path, payload, extra, token)
	if err != nil {
		return Result{Class: ClassRetryable, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		fresh, rerr := c.tokens.Refresh(ctx)
		if rerr != nil {
			logging.Ctx(ctx).Warn().Err(rerr).Str("operation_id", op.ID).Msg("credential refresh after 401 failed")
			return Result{Class: ClassAuth, StatusCode: resp.StatusCode, Body: data, Err: rerr}
		}
		resp, data, err = c.send(ctx, op, method, path, payload, extra, fresh)
		if err != nil {
			return Result{Class: ClassRetryable, Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return Result{Class: ClassAuth, StatusCode: resp.StatusCode, Body: data}
		}
	}

	res := Result{
		Class:        Classify(resp.StatusCode),
		StatusCode:   resp.StatusCode,
		Body:         data,
		Acknowledged: operation.Acknowledged(resp, op),
		Replayed:     operation.Replayed(resp),
	}
	if d, ok := backoff.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
		res.RetryAfter = &d
	}
	return res
}

// send performs one HTTP exchange with the per-call timeout.
func (c *Client) send(ctx context.Context, op *operation.Operation, method, path string, payload []byte, extra http.Header, token string) (*http.Response, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.base.String()+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	operation.ApplyIdempotency(req, op)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(HeaderClientID, c.cfg.ClientID)
	req.Header.Set(HeaderTraceID, traceID(ctx))
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, data, nil
}

func traceID(ctx context.Context) string {
	if id := logging.TraceIDFromContext(ctx); id != "" {
		return id
	}
	return logging.GenerateTraceID()
}

// Classify maps a status code other than 401 to an outcome class.
func Classify(status int) Class {
	switch {
	case status >= 200 && status <= 299:
		return ClassSuccess
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusUnauthorized:
		return ClassAuth
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// Fetch reads the current server state of op's entity at path. A 404 or
// 410 yields a Resource with Exists false. Failures return *Error.
func (c *Client) Fetch(ctx context.Context, op *operation.Operation, path string) (*Resource, error) {
	res := c.do(ctx, op, http.MethodGet, path, nil, nil)
	switch {
	case res.Class == ClassSuccess:
		r := parseResource(res.Body)
		if r == nil {
			r = &Resource{State: map[string]any{}}
		}
		r.Exists = true
		return r, nil
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		return &Resource{Exists: false}, nil
	default:
		class := res.Class
		if class == ClassConflict {
			class = ClassFatal
		}
		return nil, &Error{Class: class, StatusCode: res.StatusCode, RetryAfter: res.RetryAfter, Body: res.Body, Err: res.Err}
	}
}
