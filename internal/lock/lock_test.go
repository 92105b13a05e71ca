// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tomtom215/syncward/internal/metrics"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/queue"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) *queue.BadgerStore {
	t.Helper()
	s, err := queue.Open(queue.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLock(t *testing.T, s queue.LockStore, owner string, clock *fakeClock, m *metrics.Collector) *Lock {
	t.Helper()
	l, err := New(s, Config{OwnerID: owner, StaleThreshold: 2 * time.Minute, HeartbeatInterval: 10 * time.Second}, m, clock.Now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestAcquireFreeLock(t *testing.T) {
	s := newStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newLock(t, s, "runner-a", clock, nil)
	ctx := context.Background()

	ok, took, err := a.Acquire(ctx)
	if err != nil || !ok || took {
		t.Fatalf("expected plain acquire, got ok=%v took=%v err=%v", ok, took, err)
	}
	owner, _ := a.IsOwner(ctx)
	if !owner {
		t.Error("expected to own the lock")
	}

	rec, _ := a.Record(ctx)
	if rec.OwnerID != "runner-a" || !rec.AcquiredAt.Equal(clock.t) {
		t.Errorf("unexpected record %+v", rec)
	}

	clock.Advance(5 * time.Second)
	if ok, _, _ := a.Acquire(ctx); !ok {
		t.Fatal("re-acquiring our own lock should succeed")
	}
	rec, _ = a.Record(ctx)
	if !rec.LastHeartbeat.Equal(clock.t) || rec.AcquiredAt.Equal(clock.t) {
		t.Errorf("re-acquire should refresh heartbeat only: %+v", rec)
	}
}

func TestFreshLockIsNotAcquirable(t *testing.T) {
	s := newStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newLock(t, s, "runner-a", clock, nil)
	b := newLock(t, s, "runner-b", clock, nil)
	ctx := context.Background()

	_, _, _ = a.Acquire(ctx)
	clock.Advance(119 * time.Second)

	ok, took, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok || took {
		t.Fatal("lock with fresh heartbeat must not be acquirable")
	}
	if owner, _ := b.IsOwner(ctx); owner {
		t.Error("b must not be owner")
	}
}

func TestStaleLockIsTakenOver(t *testing.T) {
	s := newStore(t)
	m := metrics.New(prometheus.NewRegistry())
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newLock(t, s, "runner-a", clock, m)
	b := newLock(t, s, "runner-b", clock, m)
	ctx := context.Background()

	_, _, _ = a.Acquire(ctx)
	clock.Advance(2 * time.Minute)

	ok, took, err := b.Acquire(ctx)
	if err != nil || !ok || !took {
		t.Fatalf("expected takeover, got ok=%v took=%v err=%v", ok, took, err)
	}
	if got := m.Snapshot().LockTakeoversTotal; got != 1 {
		t.Errorf("expected 1 takeover, got %v", got)
	}

	if err := a.Heartbeat(ctx); !errors.Is(err, ErrNotLockOwner) {
		t.Errorf("old owner heartbeat should fail with ErrNotLockOwner, got %v", err)
	}

	// the old owner's fenced queue writes are rejected
	op := operation.New(operation.Update, "device", "42", map[string]any{"status": "on"})
	if err := s.Put(queue.WithFence(ctx, "runner-a"), op); !errors.Is(err, queue.ErrNotLockOwner) {
		t.Errorf("expected fenced write rejection, got %v", err)
	}
	if err := s.Put(queue.WithFence(ctx, "runner-b"), op); err != nil {
		t.Errorf("new owner write failed: %v", err)
	}
}

func TestReleaseOnlyClearsOwnLock(t *testing.T) {
	s := newStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newLock(t, s, "runner-a", clock, nil)
	b := newLock(t, s, "runner-b", clock, nil)
	ctx := context.Background()

	_, _, _ = a.Acquire(ctx)
	if err := b.Release(ctx); err != nil {
		t.Fatalf("foreign release should be a no-op, got %v", err)
	}
	if rec, _ := a.Record(ctx); rec == nil || rec.OwnerID != "runner-a" {
		t.Fatalf("foreign release cleared the lock: %+v", rec)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rec, _ := a.Record(ctx); rec != nil {
		t.Errorf("expected no lock after release, got %+v", rec)
	}
	if ok, _, _ := b.Acquire(ctx); !ok {
		t.Error("released lock should be immediately acquirable")
	}
}

func TestHeartbeatKeepsLockFresh(t *testing.T) {
	s := newStore(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newLock(t, s, "runner-a", clock, nil)
	b := newLock(t, s, "runner-b", clock, nil)
	ctx := context.Background()

	_, _, _ = a.Acquire(ctx)
	for i := 0; i < 20; i++ {
		clock.Advance(10 * time.Second)
		if err := a.Heartbeat(ctx); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}
	if ok, _, _ := b.Acquire(ctx); ok {
		t.Error("heartbeating lock must not be taken over")
	}
}

func TestRunHeartbeatsUntilCancelled(t *testing.T) {
	s := newStore(t)
	l, err := New(s, Config{OwnerID: "runner-a", StaleThreshold: time.Second, HeartbeatInterval: 10 * time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ok, _, _ := l.Acquire(ctx); !ok {
		t.Fatal("Acquire failed")
	}
	first, _ := l.Record(ctx)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		rec, _ := l.Record(ctx)
		if rec != nil && rec.LastHeartbeat.After(first.LastHeartbeat) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never advanced")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewRequiresOwner(t *testing.T) {
	if _, err := New(newStore(t), Config{}, nil, nil); err == nil {
		t.Error("expected error for empty owner id")
	}
}
