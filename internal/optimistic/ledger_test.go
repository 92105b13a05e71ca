// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package optimistic

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tomtom215/syncward/internal/metrics"
)

func TestCommitRunsOnSuccessOnce(t *testing.T) {
	l := New()
	var success, failure atomic.Int32
	if err := l.Register("tx1", Entry{
		OnSuccess: func() { success.Add(1) },
		OnError:   func(string) { failure.Add(1) },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !l.Commit("tx1") {
		t.Fatal("expected first commit to resolve the entry")
	}
	if l.Commit("tx1") {
		t.Error("second commit should be a no-op")
	}
	if l.Rollback("tx1", "late") {
		t.Error("rollback after commit should be a no-op")
	}
	if success.Load() != 1 || failure.Load() != 0 {
		t.Errorf("success=%d failure=%d", success.Load(), failure.Load())
	}
	if l.Len() != 0 || l.Pending("tx1") {
		t.Error("entry should be gone")
	}
}

func TestRollbackOrder(t *testing.T) {
	l := New()
	var calls []string
	err := l.Register("tx1", Entry{
		OriginalState: "off",
		Rollback:      func(orig any) { calls = append(calls, "rollback:"+orig.(string)) },
		OnError:       func(reason string) { calls = append(calls, "error:"+reason) },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !l.Rollback("tx1", "fatal") {
		t.Fatal("expected rollback to resolve the entry")
	}
	if len(calls) != 2 || calls[0] != "rollback:off" || calls[1] != "error:fatal" {
		t.Errorf("calls = %v", calls)
	}
}

func TestUnknownTokenIsNoop(t *testing.T) {
	l := New()
	if l.Commit("nope") || l.Rollback("nope", "x") {
		t.Error("unknown tokens must not resolve")
	}
}

func TestRegisterValidation(t *testing.T) {
	l := New()
	if err := l.Register("", Entry{}); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("expected ErrEmptyToken, got %v", err)
	}
	_ = l.Register("tx", Entry{})
	if err := l.Register("tx", Entry{}); !errors.Is(err, ErrDuplicateToken) {
		t.Errorf("expected ErrDuplicateToken, got %v", err)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	l := NewWithMetrics(m)
	var onError atomic.Bool
	_ = l.Register("tx", Entry{
		Rollback: func(any) { panic("boom") },
		OnError:  func(string) { onError.Store(true) },
	})

	if !l.Rollback("tx", "x") {
		t.Fatal("expected rollback to resolve")
	}
	if !onError.Load() {
		t.Error("OnError should still run after a panicking rollback handler")
	}
	if got := m.Snapshot().HandlerPanicsTotal; got != 1 {
		t.Errorf("handler panics = %v, want 1", got)
	}
}

func TestHandlerMayReenterLedger(t *testing.T) {
	l := New()
	_ = l.Register("tx1", Entry{OnSuccess: func() { _ = l.Register("tx2", Entry{}) }})
	l.Commit("tx1")
	if !l.Pending("tx2") {
		t.Error("handler registration should succeed")
	}
}

func TestBulkResolution(t *testing.T) {
	l := New()
	for _, tok := range []string{"a", "b", "c"} {
		_ = l.Register(tok, Entry{})
	}
	if n := l.CommitAll([]string{"a", "b", "zzz"}); n != 2 {
		t.Errorf("CommitAll resolved %d, want 2", n)
	}
	if n := l.RollbackAll([]string{"a", "c"}, "x"); n != 1 {
		t.Errorf("RollbackAll resolved %d, want 1", n)
	}
}

func TestConcurrentResolutionRunsHandlerOnce(t *testing.T) {
	l := New()
	var success atomic.Int32
	_ = l.Register("tx", Entry{OnSuccess: func() { success.Add(1) }})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Commit("tx")
		}()
	}
	wg.Wait()
	if success.Load() != 1 {
		t.Errorf("OnSuccess ran %d times", success.Load())
	}
}
