// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/queue"
)

type chanWatcher struct{ ch chan queue.Change }

func (w chanWatcher) Watch(context.Context) <-chan queue.Change { return w.ch }

type recordingSink struct {
	mu      sync.Mutex
	changes []queue.Change
}

func (s *recordingSink) BroadcastChange(c queue.Change) {
	s.mu.Lock()
	s.changes = append(s.changes, c)
	s.mu.Unlock()
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

func TestWatchPumpForwardsUntilCanceled(t *testing.T) {
	src := chanWatcher{ch: make(chan queue.Change, 4)}
	sink := &recordingSink{}
	pump := NewWatchPump(src, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pump.Serve(ctx) }()

	src.ch <- queue.Change{Kind: queue.ChangePut, ID: "a"}
	src.ch <- queue.Change{Kind: queue.ChangeDelete, ID: "a"}
	waitFor(t, func() bool { return sink.len() == 2 }, "forwarded changes")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v", err)
	}
}

func TestWatchPumpReportsClosedStream(t *testing.T) {
	src := chanWatcher{ch: make(chan queue.Change)}
	close(src.ch)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := NewWatchPump(src, &recordingSink{}).Serve(ctx); !errors.Is(err, ErrWatchClosed) {
		t.Errorf("Serve = %v, want ErrWatchClosed", err)
	}
}

func TestWatchPumpWithStore(t *testing.T) {
	store, err := queue.Open(queue.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	hub, _, _ := startHub(t)
	c := testClient(hub, 8)
	hub.Register <- c
	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "registration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewWatchPump(store, hub).Serve(ctx) }()
	// let the pump subscribe before writing
	time.Sleep(50 * time.Millisecond)

	op := operation.New(operation.Create, "note", "n1", map[string]any{"title": "x"})
	if err := store.Put(context.Background(), op); err != nil {
		t.Fatal(err)
	}

	msg := receive(t, c)
	change, ok := msg.Data.(queue.Change)
	if !ok || change.ID != op.ID || change.Kind != queue.ChangePut {
		t.Errorf("unexpected message %+v", msg)
	}
}
