// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package mirror copies operation outcomes to a secondary event stream.
//
// Mirroring is a detached side effect: Record never blocks the engine and
// never reports an error to it. Failed publishes are logged and counted.
// Events describe what happened to an operation but never carry its
// payload, only a fingerprint of it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
	"github.com/tomtom215/syncward/internal/operation"
)

// ErrClosed is returned by publishers after Close.
var ErrClosed = errors.New("mirror publisher is closed")

// Outcome is the terminal or intermediate result being mirrored.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeRetried    Outcome = "retried"
	OutcomeReconciled Outcome = "reconciled"
	OutcomeFailed     Outcome = "failed"
	OutcomeCollapsed  Outcome = "collapsed"
)

// Event is the mirrored record of one outcome.
type Event struct {
	OperationID        string    `json:"operation_id"`
	IdempotencyKey     string    `json:"idempotency_key"`
	OpType             string    `json:"op_type"`
	EntityType         string    `json:"entity_type"`
	EntityID           string    `json:"entity_id"`
	Outcome            Outcome   `json:"outcome"`
	Attempt            int       `json:"attempt"`
	StatusCode         int       `json:"status_code,omitempty"`
	FailureClass       string    `json:"failure_class,omitempty"`
	At                 time.Time `json:"at"`
	PayloadFingerprint string    `json:"payload_fingerprint,omitempty"`
}

// MessageID identifies the event for broker-side deduplication. Re-sending
// the same outcome of the same attempt yields the same ID.
func (e Event) MessageID() string {
	return fmt.Sprintf("%s:%s:%d", e.IdempotencyKey, e.Outcome, e.Attempt)
}

// EventFor builds the event for op.
func EventFor(op *operation.Operation, outcome Outcome, at time.Time) Event {
	ev := Event{
		OperationID:    op.ID,
		IdempotencyKey: op.IdempotencyKey,
		OpType:         op.OpType.String(),
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Outcome:        outcome,
		Attempt:        op.AttemptCount,
		At:             at.UTC(),
	}
	if len(op.Payload) > 0 {
		ev.PayloadFingerprint = logging.PayloadFingerprint(op.Payload)
	}
	return ev
}

// Publisher delivers events to the secondary store.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Mirror dispatches events to a Publisher in the background. A nil
// *Mirror is valid and drops every event.
type Mirror struct {
	pub     Publisher
	timeout time.Duration
	metrics *metrics.Collector

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New wraps pub. timeout bounds each publish.
func New(pub Publisher, timeout time.Duration, m *metrics.Collector) *Mirror {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mirror{pub: pub, timeout: timeout, metrics: m}
}

// Record publishes ev on a detached goroutine.
func (m *Mirror) Record(ev Event) {
	if m == nil || m.pub == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		if err := m.pub.Publish(ctx, ev); err != nil {
			m.metrics.RecordMirrorFailure()
			logging.Warn().
				Err(err).
				Str("operation_id", ev.OperationID).
				Str("outcome", string(ev.Outcome)).
				Msg("outcome mirror publish failed")
		}
	}()
}

// Close waits for in-flight publishes, then closes the publisher.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()
	if m.pub == nil {
		return nil
	}
	return m.pub.Close()
}
