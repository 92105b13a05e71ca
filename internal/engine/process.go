// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/syncward/internal/breaker"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/mirror"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/queue"
	"github.com/tomtom215/syncward/internal/reconcile"
	"github.com/tomtom215/syncward/internal/router"
	"github.com/tomtom215/syncward/internal/transport"
)

// Outcome is what one tick did.
type Outcome string

const (
	OutcomeIdle        Outcome = "idle"
	OutcomeNotOwner    Outcome = "not_owner"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeRetried     Outcome = "retried"
	OutcomeFailed      Outcome = "failed"
	// OutcomeLockLost means the lock changed hands before the outcome could
	// be written; the operation stays pending for the new owner.
	OutcomeLockLost Outcome = "lock_lost"
)

// Tick is the result of ProcessOnce.
type Tick struct {
	// Op is the operation handled, or nil if none was ready.
	Op      *operation.Operation
	Outcome Outcome
	// Wait is how long the loop may sleep before the next tick.
	Wait time.Duration
}

// minOpenWait keeps an open breaker from turning the loop into a spin.
const minOpenWait = 10 * time.Millisecond

// ProcessOnce runs one iteration of the loop: breaker gate, lock, oldest
// ready operation, remote call, outcome.
func (e *Engine) ProcessOnce(ctx context.Context) (Tick, error) {
	if !e.breaker.Allow() {
		return Tick{Outcome: OutcomeCircuitOpen, Wait: e.openWait()}, nil
	}

	acquired, _, err := e.lock.Acquire(ctx)
	if err != nil {
		return Tick{}, err
	}
	if !acquired {
		return Tick{Outcome: OutcomeNotOwner, Wait: e.opts.IdleWait}, nil
	}

	now := e.now()
	op, next, err := e.store.NextReady(ctx, now)
	if err != nil {
		return Tick{}, fmt.Errorf("next ready operation: %w", err)
	}
	if op == nil {
		wait := e.opts.IdleWait
		if !next.IsZero() {
			wait = next.Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
		}
		return Tick{Outcome: OutcomeIdle, Wait: wait}, nil
	}

	// Once dispatched, the call and its outcome run to completion even if
	// ctx is cancelled: an aborted call has an unknown remote effect.
	octx := queue.WithFence(context.WithoutCancel(ctx), e.lock.OwnerID())
	octx = logging.ContextWithNewTraceID(octx)
	return e.process(octx, op)
}

func (e *Engine) openWait() time.Duration {
	if d := e.breaker.Remaining(e.now()); d > minOpenWait {
		return d
	}
	return minOpenWait
}

// process carries op from dispatch to a durable outcome.
func (e *Engine) process(ctx context.Context, op *operation.Operation) (Tick, error) {
	req, err := e.router.Resolve(op)
	if err != nil {
		return e.fail(ctx, op, operation.FailureNoRoute, err.Error(), 0)
	}

	if !op.Dispatched() {
		marked, err := e.store.Update(ctx, op.ID, func(stored *operation.Operation) error {
			if stored.DispatchedAt.IsZero() {
				stored.DispatchedAt = e.now().UTC()
			}
			return nil
		})
		switch {
		case errors.Is(err, queue.ErrNotLockOwner):
			return e.lockLost(ctx, op)
		case errors.Is(err, queue.ErrNotFound):
			// coalesced away between NextReady and dispatch
			return Tick{Outcome: OutcomeIdle}, nil
		case err != nil:
			return Tick{}, fmt.Errorf("mark %s dispatched: %w", op.ID, err)
		}
		op = marked
	}

	for {
		var res transport.Result
		berr := e.breaker.Execute(func() error {
			res = e.transport.Do(ctx, op, req)
			if res.Class == transport.ClassRetryable {
				return res.Error()
			}
			return nil
		})
		if errors.Is(berr, breaker.ErrCircuitOpen) {
			// Another trial is in flight or the circuit just opened; the
			// call was not made and the op keeps its schedule.
			return Tick{Op: op, Outcome: OutcomeCircuitOpen, Wait: e.openWait()}, nil
		}
		e.metrics.ObserveLatency(res.Latency)

		switch res.Class {
		case transport.ClassSuccess:
			switch {
			case res.Replayed:
				logging.Ctx(ctx).Info().Str("operation_id", op.ID).Msg("server replayed an earlier response for this idempotency key")
			case res.Acknowledged:
				logging.Ctx(ctx).Debug().Str("operation_id", op.ID).Msg("server acknowledged the idempotency key")
			}
			return e.succeed(ctx, op)

		case transport.ClassRetryable:
			return e.retry(ctx, op, res.RetryAfter, res.StatusCode, res.Error())

		case transport.ClassConflict:
			d := e.reconciler.Reconcile(ctx, op, reconcile.Conflict{Server: res.Conflict, FetchPath: req.FetchPath})
			switch d.Outcome {
			case reconcile.OutcomeSuccess:
				e.metrics.RecordConflictResolved(op.OpType.String())
				return e.succeed(ctx, op)
			case reconcile.OutcomeRetry:
				next, tick, done := e.adoptMerged(ctx, op, d.Op)
				if done {
					return tick, nil
				}
				if req, err = e.router.Resolve(next); err != nil {
					return e.fail(ctx, next, operation.FailureNoRoute, err.Error(), 0)
				}
				op = next
				continue
			case reconcile.OutcomeRetryLater:
				return e.retry(ctx, op, d.RetryAfter, res.StatusCode, errors.New(d.Reason))
			default:
				return e.fail(ctx, op, operation.FailureConflict, d.Reason, res.StatusCode)
			}

		case transport.ClassAuth:
			return e.fail(ctx, op, operation.FailureAuth, resultMessage(&res), res.StatusCode)

		default:
			return e.fail(ctx, op, operation.FailureFatal, resultMessage(&res), res.StatusCode)
		}
	}
}

// adoptMerged persists the reconciled operation before it is re-sent so a
// crash in between resends the merged payload. done reports that the
// caller must return tick.
func (e *Engine) adoptMerged(ctx context.Context, op, merged *operation.Operation) (next *operation.Operation, tick Tick, done bool) {
	stored, err := e.store.Update(ctx, op.ID, func(s *operation.Operation) error {
		s.Payload = merged.Payload
		s.Base = merged.Base
		s.Version = merged.Version
		s.ConflictCount = merged.ConflictCount
		return nil
	})
	switch {
	case errors.Is(err, queue.ErrNotLockOwner):
		t, _ := e.lockLost(ctx, op)
		return nil, t, true
	case err != nil:
		logging.Ctx(ctx).Error().Err(err).Str("operation_id", op.ID).Msg("persist reconciled operation")
		e.recordError(err)
		return nil, Tick{Op: op, Outcome: OutcomeIdle, Wait: errorWait}, true
	}

	e.metrics.RecordConflictResolved(op.OpType.String())
	e.mirror.Record(e.event(stored, mirror.OutcomeReconciled, stored.AttemptCount+1, 0, ""))
	logging.Ctx(ctx).Info().
		Str("operation_id", op.ID).
		Int("conflict_count", stored.ConflictCount).
		Msg("conflict reconciled, resending merged operation")
	return stored, Tick{}, false
}

func (e *Engine) succeed(ctx context.Context, op *operation.Operation) (Tick, error) {
	err := e.store.Delete(ctx, op.ID)
	switch {
	case errors.Is(err, queue.ErrNotLockOwner):
		return e.lockLost(ctx, op)
	case err != nil && !errors.Is(err, queue.ErrNotFound):
		return Tick{}, fmt.Errorf("commit %s: %w", op.ID, err)
	}

	e.ledger.CommitAll(op.TxnTokens)
	e.metrics.RecordProcessed(op.OpType.String(), op.EntityType)
	e.mirror.Record(e.event(op, mirror.OutcomeSucceeded, op.AttemptCount+1, 0, ""))
	e.recordOutcome(OutcomeSucceeded, "")

	logging.Ctx(ctx).Info().
		Str("operation_id", op.ID).
		Str("op_type", op.OpType.String()).
		Str("entity_type", op.EntityType).
		Int("attempt", op.AttemptCount+1).
		Msg("operation synced")
	return Tick{Op: op, Outcome: OutcomeSucceeded}, nil
}

func (e *Engine) retry(ctx context.Context, op *operation.Operation, hint *time.Duration, status int, cause error) (Tick, error) {
	attempt := op.AttemptCount + 1
	msg := logging.SanitizeError(cause)
	if e.opts.MaxAttempts > 0 && attempt >= e.opts.MaxAttempts {
		return e.fail(ctx, op, operation.FailureExhausted, fmt.Sprintf("gave up after %d attempts: %s", attempt, msg), status)
	}

	delay := e.backoff.Delay(attempt, hint)
	nextAt := e.now().Add(delay).UTC()

	updated, err := e.store.Update(ctx, op.ID, func(s *operation.Operation) error {
		s.AttemptCount = attempt
		s.NextAttemptAt = nextAt
		s.LastError = msg
		return nil
	})
	switch {
	case errors.Is(err, queue.ErrNotLockOwner):
		return e.lockLost(ctx, op)
	case err != nil:
		return Tick{}, fmt.Errorf("reschedule %s: %w", op.ID, err)
	}

	e.metrics.RecordRetried(op.OpType.String(), op.EntityType)
	e.mirror.Record(e.event(updated, mirror.OutcomeRetried, attempt, status, ""))
	e.recordOutcome(OutcomeRetried, msg)

	logging.Ctx(ctx).Warn().
		Str("operation_id", op.ID).
		Int("attempt", attempt).
		Int("status", status).
		Dur("delay", delay).
		Str("error", msg).
		Msg("operation rescheduled")
	return Tick{Op: updated, Outcome: OutcomeRetried}, nil
}

func (e *Engine) fail(ctx context.Context, op *operation.Operation, class operation.FailureClass, msg string, status int) (Tick, error) {
	msg = logging.SanitizeText(msg)
	err := e.store.MoveToFailed(ctx, op.ID, operation.ErrorInfo{Class: class, Message: msg, StatusCode: status})
	switch {
	case errors.Is(err, queue.ErrNotLockOwner):
		return e.lockLost(ctx, op)
	case err != nil && !errors.Is(err, queue.ErrNotFound):
		return Tick{}, fmt.Errorf("archive %s: %w", op.ID, err)
	}

	e.ledger.RollbackAll(op.TxnTokens, msg)
	e.metrics.RecordFailed(op.OpType.String(), op.EntityType, string(class))
	e.mirror.Record(e.event(op, mirror.OutcomeFailed, op.AttemptCount+1, status, string(class)))
	e.recordOutcome(OutcomeFailed, msg)

	logging.Ctx(ctx).Error().
		Str("operation_id", op.ID).
		Str("op_type", op.OpType.String()).
		Str("entity_type", op.EntityType).
		Str("class", string(class)).
		Int("status", status).
		Str("error", msg).
		Msg("operation failed permanently")
	return Tick{Op: op, Outcome: OutcomeFailed}, nil
}

func (e *Engine) lockLost(ctx context.Context, op *operation.Operation) (Tick, error) {
	logging.Ctx(ctx).Warn().
		Str("operation_id", op.ID).
		Str("owner_id", e.lock.OwnerID()).
		Msg("processing lock lost before outcome was written, leaving operation pending")
	e.recordOutcome(OutcomeLockLost, "processing lock lost")
	return Tick{Op: op, Outcome: OutcomeLockLost, Wait: e.opts.IdleWait}, nil
}

func (e *Engine) event(op *operation.Operation, outcome mirror.Outcome, attempt, status int, class string) mirror.Event {
	ev := mirror.EventFor(op, outcome, e.now())
	ev.Attempt = attempt
	ev.StatusCode = status
	ev.FailureClass = class
	return ev
}

func resultMessage(res *transport.Result) string {
	if err := res.Error(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("status %d", res.StatusCode)
}

// compile-time check that the router satisfies Resolver.
var _ Resolver = (*router.Router)(nil)
