// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package engine runs the sync loop: it replays queued operations against
// the remote service one at a time, under the processing lock and the
// circuit breaker, and applies each outcome durably before moving on.
//
// Producers call Enqueue concurrently with the loop. Enqueue coalesces the
// new operation with what is already queued for the same entity and
// commits the result in one store batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/syncward/internal/backoff"
	"github.com/tomtom215/syncward/internal/breaker"
	"github.com/tomtom215/syncward/internal/coalesce"
	"github.com/tomtom215/syncward/internal/lock"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
	"github.com/tomtom215/syncward/internal/mirror"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/optimistic"
	"github.com/tomtom215/syncward/internal/queue"
	"github.com/tomtom215/syncward/internal/reconcile"
	"github.com/tomtom215/syncward/internal/router"
	"github.com/tomtom215/syncward/internal/transport"
)

var ErrAlreadyRunning = errors.New("engine is already running")

// maxEnqueueAttempts bounds how often Enqueue recomputes a plan that went
// stale because the loop dispatched one of its targets.
const maxEnqueueAttempts = 5

// errorWait is how long Serve pauses after a local error.
const errorWait = time.Second

// Resolver maps an operation to its remote request.
type Resolver interface {
	Resolve(op *operation.Operation) (*router.Request, error)
}

// Transport applies an operation remotely.
type Transport interface {
	Do(ctx context.Context, op *operation.Operation, req *router.Request) transport.Result
}

// Reconciler decides what to do about a 409.
type Reconciler interface {
	Reconcile(ctx context.Context, op *operation.Operation, c reconcile.Conflict) reconcile.Decision
}

// Deps are the engine's collaborators. Store, Router, Transport, Lock and
// Backoff are required; the rest default to inert implementations.
type Deps struct {
	Store      queue.Store
	Router     Resolver
	Transport  Transport
	Reconciler Reconciler
	Breaker    *breaker.Breaker
	Lock       *lock.Lock
	Ledger     *optimistic.Ledger
	Metrics    *metrics.Collector
	Mirror     *mirror.Mirror
	Backoff    *backoff.Policy
	Clock      func() time.Time
}

// Options tune the loop.
type Options struct {
	// MaxAttempts archives an operation as exhausted after this many
	// transient failures. Zero retries forever.
	MaxAttempts int

	// IdleWait is how long the loop sleeps when the queue is empty or the
	// lock is held elsewhere, unless woken by Enqueue.
	IdleWait time.Duration
}

// Engine is the sync loop. It is safe for concurrent use.
type Engine struct {
	store      queue.Store
	router     Resolver
	transport  Transport
	reconciler Reconciler
	breaker    *breaker.Breaker
	lock       *lock.Lock
	ledger     *optimistic.Ledger
	metrics    *metrics.Collector
	mirror     *mirror.Mirror
	backoff    *backoff.Policy
	now        func() time.Time
	opts       Options

	wake      chan struct{}
	enqueueMu sync.Mutex

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastError   string
	lastOutcome Outcome
	lastAt      time.Time
}

// New builds an engine.
func New(d Deps, opts Options) (*Engine, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("engine: store is required")
	case d.Router == nil:
		return nil, errors.New("engine: router is required")
	case d.Transport == nil:
		return nil, errors.New("engine: transport is required")
	case d.Lock == nil:
		return nil, errors.New("engine: lock is required")
	case d.Backoff == nil:
		return nil, errors.New("engine: backoff policy is required")
	}
	if d.Reconciler == nil {
		d.Reconciler = reconcile.New(nil, reconcile.Config{})
	}
	if d.Breaker == nil {
		d.Breaker = breaker.New(breaker.DefaultConfig(), d.Metrics, d.Clock)
	}
	if d.Ledger == nil {
		d.Ledger = optimistic.NewWithMetrics(d.Metrics)
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 30 * time.Second
	}

	return &Engine{
		store:      d.Store,
		router:     d.Router,
		transport:  d.Transport,
		reconciler: d.Reconciler,
		breaker:    d.Breaker,
		lock:       d.Lock,
		ledger:     d.Ledger,
		metrics:    d.Metrics,
		mirror:     d.Mirror,
		backoff:    d.Backoff,
		now:        d.Clock,
		opts:       opts,
		wake:       make(chan struct{}, 1),
	}, nil
}

// Ledger returns the optimistic update ledger. Producers register their
// speculative changes here before enqueueing.
func (e *Engine) Ledger() *optimistic.Ledger { return e.ledger }

// Enqueue coalesces op with the pending operations of its entity and
// persists the result. The returned plan tells the caller what happened.
func (e *Engine) Enqueue(ctx context.Context, op *operation.Operation) (coalesce.Plan, error) {
	if err := op.Validate(); err != nil {
		return coalesce.Plan{}, err
	}

	// Serializes planning so two producers never both append for one entity.
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	for attempt := 0; attempt < maxEnqueueAttempts; attempt++ {
		pending, err := e.store.FindPendingByEntity(ctx, op.EntityType, op.EntityID)
		if err != nil {
			return coalesce.Plan{}, fmt.Errorf("enqueue %s: %w", op.ID, err)
		}

		plan := coalesce.Coalesce(pending, op)
		batch := queue.Batch{Deletes: plan.Delete, Guard: plan.Guard}
		if plan.Put != nil {
			batch.Puts = []*operation.Operation{plan.Put}
		}

		err = e.store.Apply(ctx, batch)
		if errors.Is(err, queue.ErrStale) {
			logging.Ctx(ctx).Debug().Str("operation_id", op.ID).Err(err).Msg("coalesce plan went stale, replanning")
			continue
		}
		if err != nil {
			return coalesce.Plan{}, fmt.Errorf("enqueue %s: %w", op.ID, err)
		}

		e.metrics.RecordEnqueued(op.OpType.String(), op.EntityType)
		if plan.Kind != coalesce.KindAppended {
			e.metrics.RecordCoalesced(string(plan.Kind))
		}
		if plan.Dropped {
			e.ledger.CommitAll(plan.Commit)
			e.mirror.Record(mirror.EventFor(op, mirror.OutcomeCollapsed, e.now()))
		}

		logging.Ctx(ctx).Debug().
			Str("operation_id", op.ID).
			Str("op_type", op.OpType.String()).
			Str("entity_type", op.EntityType).
			Str("coalesce", string(plan.Kind)).
			Msg("operation enqueued")

		e.signal()
		return plan, nil
	}
	return coalesce.Plan{}, fmt.Errorf("enqueue %s: %w", op.ID, queue.ErrStale)
}

// Wake makes a sleeping loop look for ready work now, for example after an
// operation was requeued from the failed archive.
func (e *Engine) Wake() { e.signal() }

// signal wakes the loop without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Serve runs the loop until ctx is done, then releases the processing
// lock. It implements suture.Service.
func (e *Engine) Serve(ctx context.Context) error {
	e.setRunning(true)
	defer e.setRunning(false)
	defer e.releaseLock(ctx)

	logging.Info().Str("owner_id", e.lock.OwnerID()).Msg("sync engine started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tick, err := e.ProcessOnce(ctx)
		wait := tick.Wait
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.recordError(err)
			logging.Error().Err(err).Msg("sync engine tick failed")
			wait = errorWait
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (e *Engine) String() string { return "sync-engine" }

func (e *Engine) releaseLock(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.lock.Release(rctx); err != nil {
		logging.Warn().Err(err).Msg("release processing lock on shutdown")
	}
}

// Start runs Serve on a background goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go func() {
		defer close(done)
		_ = e.Serve(ctx)
	}()
	return nil
}

// Stop cancels a loop started with Start and waits for the current
// operation's outcome to be applied.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Drain processes ready operations until none is left or the loop cannot
// make progress. It returns how many operations reached an outcome.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		tick, err := e.ProcessOnce(ctx)
		if err != nil {
			return n, err
		}
		if tick.Op == nil || tick.Outcome == OutcomeCircuitOpen || tick.Outcome == OutcomeLockLost {
			return n, nil
		}
		n++
	}
}

// MetricsSnapshot returns the current metric values.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running bool   `json:"running"`
	OwnerID string `json:"owner_id"`

	LockHolder    string    `json:"lock_holder,omitempty"`
	LockHeartbeat time.Time `json:"lock_heartbeat,omitempty"`
	IsLockOwner   bool      `json:"is_lock_owner"`

	BreakerState     string        `json:"breaker_state"`
	BreakerFailures  int           `json:"breaker_failures"`
	BreakerRemaining time.Duration `json:"breaker_remaining"`

	PendingDepth int `json:"pending_depth"`

	LastOutcome string    `json:"last_outcome,omitempty"`
	LastAt      time.Time `json:"last_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status reports lock ownership, breaker state, queue depth and the last
// outcome.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	now := e.now()
	st := Status{
		OwnerID:          e.lock.OwnerID(),
		BreakerState:     e.breaker.State().String(),
		BreakerFailures:  e.breaker.FailureCount(),
		BreakerRemaining: e.breaker.Remaining(now),
	}

	e.mu.Lock()
	st.Running = e.running
	st.LastOutcome = string(e.lastOutcome)
	st.LastAt = e.lastAt
	st.LastError = e.lastError
	e.mu.Unlock()

	rec, err := e.lock.Record(ctx)
	if err != nil {
		return st, fmt.Errorf("read lock record: %w", err)
	}
	if rec != nil {
		st.LockHolder = rec.OwnerID
		st.LockHeartbeat = rec.LastHeartbeat
	}
	if st.IsLockOwner, err = e.lock.IsOwner(ctx); err != nil {
		return st, fmt.Errorf("check lock owner: %w", err)
	}

	depth, err := e.store.PendingCount(ctx)
	if err != nil {
		return st, fmt.Errorf("count pending: %w", err)
	}
	st.PendingDepth = depth
	return st, nil
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.lastError = logging.SanitizeError(err)
	e.mu.Unlock()
}

func (e *Engine) recordOutcome(o Outcome, errText string) {
	e.mu.Lock()
	e.lastOutcome = o
	e.lastAt = e.now()
	if errText != "" {
		e.lastError = errText
	}
	e.mu.Unlock()
}
