// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package breaker suspends remote calls after a storm of transient
// failures.
//
// It wraps sony/gobreaker with a sliding failure window: the circuit opens
// once FailureThreshold failures fall within Window, stays open for
// Cooldown, then lets exactly one trial call through. A successful trial closes
// the circuit and clears the window; a failed trial reopens it.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
)

// ErrCircuitOpen is returned when a call is rejected without running.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State mirrors gobreaker's states.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Config tunes the breaker.
type Config struct {
	Name             string
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultConfig trips on 10 failures per minute and cools down for a
// minute.
func DefaultConfig() Config {
	return Config{
		Name:             "remote",
		FailureThreshold: 10,
		Window:           time.Minute,
		Cooldown:         time.Minute,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker[struct{}]
	cfg     Config
	metrics *metrics.Collector
	now     func() time.Time

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
}

// New creates a closed breaker. clock may be nil.
func New(cfg Config, m *metrics.Collector, clock func() time.Time) *Breaker {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if clock == nil {
		clock = time.Now
	}

	b := &Breaker{cfg: cfg, metrics: m, now: clock}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   1,
		Timeout:       cfg.Cooldown,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: b.onStateChange,
	})
	m.SetCircuitState(metrics.CircuitClosed)
	return b
}

// readyToTrip runs on every failure while closed.
func (b *Breaker) readyToTrip(_ gobreaker.Counts) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)
	b.evictLocked(now)
	return len(b.failures) >= b.cfg.FailureThreshold
}

func (b *Breaker) evictLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		b.openedAt = b.now()
		b.failures = nil
	case gobreaker.StateClosed:
		b.failures = nil
		b.openedAt = time.Time{}
	}
	b.mu.Unlock()

	b.metrics.SetCircuitState(stateToFloat(to))
	if to == gobreaker.StateOpen {
		b.metrics.RecordCircuitTripped()
	}

	ev := logging.Info()
	if to == gobreaker.StateOpen {
		ev = logging.Warn()
	}
	ev.Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state transition")
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	default:
		return metrics.CircuitClosed
	}
}

// Execute runs fn under the breaker. A non-nil error from fn counts as a
// failure and is returned unchanged. When the call is rejected fn does not
// run and the error wraps ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

// State reports the current state. An open breaker whose cooldown elapsed
// reports half-open.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Allow reports whether a call would currently be admitted by state.
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Counts returns gobreaker's counters for the current generation.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// FailureCount returns the failures inside the sliding window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(b.now())
	return len(b.failures)
}

// OpenedAt returns when the circuit last opened, or zero while closed.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Remaining returns how long the circuit stays open after now. It is zero
// unless the breaker is open.
func (b *Breaker) Remaining(now time.Time) time.Duration {
	if b.cb.State() != gobreaker.StateOpen {
		return 0
	}
	b.mu.Lock()
	opened := b.openedAt
	b.mu.Unlock()

	left := opened.Add(b.cfg.Cooldown).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func (b *Breaker) Config() Config { return b.cfg }
