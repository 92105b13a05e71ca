// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/syncward/internal/config"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/supervisor"
)

//nolint:gochecknoinits // keeps test output quiet
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// remote accepts every mutation and records its method and path.
type remote struct {
	mu    sync.Mutex
	calls []string
}

func (rm *remote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rm.mu.Lock()
	rm.calls = append(rm.calls, r.Method+" "+r.URL.Path)
	rm.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (rm *remote) snapshot() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]string(nil), rm.calls...)
}

func newApp(t *testing.T, mutate func(*config.Config)) (*App, *remote) {
	t.Helper()
	rm := &remote{}
	srv := httptest.NewServer(rm)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Transport.BaseURL = srv.URL
	cfg.Lock.OwnerID = "test-runner"
	cfg.Engine.IdleWait = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	a, err := Build(context.Background(), cfg, Options{InMemoryStore: true, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, rm
}

func TestBuildAndDrain(t *testing.T) {
	a, rm := newApp(t, nil)
	ctx := context.Background()

	ops := []*operation.Operation{
		operation.New(operation.Create, "notes", "n1", map[string]any{"title": "a"}),
		operation.New(operation.Update, "notes", "n2", map[string]any{"title": "b"}),
	}
	for _, op := range ops {
		if _, err := a.Engine.Enqueue(ctx, op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	n, err := a.Engine.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Errorf("drained %d operations, want 2", n)
	}

	calls := rm.snapshot()
	if len(calls) != 2 || calls[0] != "POST /notes" || calls[1] != "PATCH /notes/n2" {
		t.Errorf("remote calls = %v", calls)
	}
	if depth, _ := a.Store.PendingCount(ctx); depth != 0 {
		t.Errorf("pending depth = %d after drain", depth)
	}
	if got := a.Metrics.Snapshot().ProcessedTotal; got != 2 {
		t.Errorf("processed_total = %v", got)
	}
}

func TestSuperviseProcessesAndReleasesLock(t *testing.T) {
	a, rm := newApp(t, func(c *config.Config) { c.Admin.Enabled = false })

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{ShutdownTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	a.Supervise(tree)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	op := operation.New(operation.Delete, "notes", "n3", nil)
	if _, err := a.Engine.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(rm.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine never dispatched the operation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if calls := rm.snapshot(); calls[0] != "DELETE /notes/n3" {
		t.Errorf("remote calls = %v", calls)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}

	rec, err := a.Lock.Record(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("lock still held by %q after shutdown", rec.OwnerID)
	}
}

func TestHandlerServesAdminAPI(t *testing.T) {
	a, _ := newApp(t, nil)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/api/v1/health", "/api/v1/status", "/api/v1/queue", "/metrics"} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d", path, resp.StatusCode)
		}
	}
}

func TestPortOf(t *testing.T) {
	tests := map[string]int{
		"nats://127.0.0.1:4222": 4222,
		"nats://localhost:6000": 6000,
		"nats://localhost":      -1,
		"::not a url":           -1,
	}
	for raw, want := range tests {
		if got := portOf(raw); got != want {
			t.Errorf("portOf(%q) = %d, want %d", raw, got, want)
		}
	}
}
