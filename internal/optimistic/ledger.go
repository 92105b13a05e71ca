// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package optimistic tracks speculative UI changes until the operation that
// backs them is confirmed or rejected by the remote service.
//
// Entries are process-local and never persisted. Resolving a token twice,
// or resolving one that was never registered, is a no-op.
package optimistic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
)

var (
	ErrEmptyToken     = errors.New("txn token is required")
	ErrDuplicateToken = errors.New("txn token already registered")
)

// Entry is one speculative change. Every handler is optional.
type Entry struct {
	// OriginalState is handed back to Rollback.
	OriginalState any

	Rollback  func(original any)
	OnSuccess func()
	OnError   func(reason string)
}

// Ledger is safe for concurrent use. Handlers run outside its lock, so a
// handler may call back into the ledger.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]Entry
	metrics *metrics.Collector
}

// New returns an empty ledger.
func New() *Ledger {
	return NewWithMetrics(nil)
}

// NewWithMetrics returns an empty ledger that counts handler panics in m.
func NewWithMetrics(m *metrics.Collector) *Ledger {
	return &Ledger{entries: make(map[string]Entry), metrics: m}
}

// Register stores e under token.
func (l *Ledger) Register(token string, e Entry) error {
	if token == "" {
		return ErrEmptyToken
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[token]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	l.entries[token] = e
	return nil
}

// take removes and returns the entry for token.
func (l *Ledger) take(token string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[token]
	if ok {
		delete(l.entries, token)
	}
	return e, ok
}

// Commit runs OnSuccess and discards the entry. It reports whether an
// entry was resolved.
func (l *Ledger) Commit(token string) bool {
	e, ok := l.take(token)
	if !ok {
		return false
	}
	if e.OnSuccess != nil {
		l.safeCall(token, "on_success", e.OnSuccess)
	}
	logging.Debug().Str("txn_token", token).Msg("optimistic update committed")
	return true
}

// Rollback runs Rollback with the original state, then OnError with
// reason, and discards the entry. It reports whether an entry was
// resolved.
func (l *Ledger) Rollback(token, reason string) bool {
	e, ok := l.take(token)
	if !ok {
		return false
	}
	if e.Rollback != nil {
		l.safeCall(token, "rollback", func() { e.Rollback(e.OriginalState) })
	}
	if e.OnError != nil {
		l.safeCall(token, "on_error", func() { e.OnError(reason) })
	}
	logging.Info().Str("txn_token", token).Str("reason", reason).Msg("optimistic update rolled back")
	return true
}

// CommitAll commits every token and returns how many were resolved.
func (l *Ledger) CommitAll(tokens []string) int {
	n := 0
	for _, t := range tokens {
		if l.Commit(t) {
			n++
		}
	}
	return n
}

// RollbackAll rolls back every token and returns how many were resolved.
func (l *Ledger) RollbackAll(tokens []string, reason string) int {
	n := 0
	for _, t := range tokens {
		if l.Rollback(t, reason) {
			n++
		}
	}
	return n
}

// Pending reports whether token is registered and unresolved.
func (l *Ledger) Pending(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[token]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) safeCall(token, handler string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.RecordHandlerPanic(handler)
			logging.Error().
				Str("txn_token", token).
				Str("handler", handler).
				Interface("panic", r).
				Msg("optimistic update handler panicked")
		}
	}()
	fn()
}
