// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package operation defines the durable record of one pending mutation and
// the idempotency contract that makes replaying it safe.
package operation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpType enumerates the mutation kinds the engine can replay.
type OpType string

const (
	Create OpType = "CREATE"
	Update OpType = "UPDATE"
	Delete OpType = "DELETE"
)

// ParseOpType accepts any letter case.
func ParseOpType(s string) (OpType, error) {
	t := OpType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOpType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known op types.
func (t OpType) Valid() bool {
	switch t {
	case Create, Update, Delete:
		return true
	default:
		return false
	}
}

func (t OpType) String() string { return string(t) }

var (
	ErrUnknownOpType = errors.New("unknown operation type")
	ErrInvalid       = errors.New("invalid operation")
)

// Operation is one queued mutation. Only the engine mutates or removes a
// persisted Operation; producers hand ownership over at Enqueue.
type Operation struct {
	ID string `json:"id"`

	// IdempotencyKey is generated once at creation and sent unchanged on
	// every attempt. The remote service uses it to collapse retries into a
	// single effective mutation.
	IdempotencyKey string `json:"idempotency_key"`

	OpType     OpType         `json:"op_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`

	// Base is the client's last-known server state at Version. When set,
	// only payload fields that differ from Base count as local changes
	// during conflict reconciliation.
	Base map[string]any `json:"base,omitempty"`

	// Version is the resource version the mutation expects to apply to.
	Version *int64 `json:"version,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// DispatchedAt is set before the first network call. From then on the
	// operation may be in flight and is never coalesced.
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`

	// TxnTokens correlate the operation with optimistic UI entries. A
	// coalesced operation carries the tokens of everything merged into it.
	TxnTokens []string `json:"txn_tokens,omitempty"`

	ConflictCount int    `json:"conflict_count,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// New builds an operation with a fresh ID, idempotency key and creation
// time.
func New(opType OpType, entityType, entityID string, payload map[string]any) *Operation {
	return &Operation{
		ID:             uuid.New().String(),
		IdempotencyKey: NewIdempotencyKey(),
		OpType:         opType,
		EntityType:     entityType,
		EntityID:       entityID,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
}

// WithVersion sets the expected resource version and returns op.
func (op *Operation) WithVersion(v int64) *Operation {
	op.Version = &v
	return op
}

// WithTxnToken appends an optimistic-update token and returns op.
func (op *Operation) WithTxnToken(token string) *Operation {
	if token != "" {
		op.TxnTokens = append(op.TxnTokens, token)
	}
	return op
}

// Validate checks the fields the engine relies on.
func (op *Operation) Validate() error {
	switch {
	case op.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case op.IdempotencyKey == "":
		return fmt.Errorf("%w: missing idempotency key", ErrInvalid)
	case !op.OpType.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownOpType, op.OpType)
	case op.EntityType == "":
		return fmt.Errorf("%w: missing entity type", ErrInvalid)
	case op.EntityID == "":
		return fmt.Errorf("%w: missing entity id", ErrInvalid)
	case op.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", ErrInvalid)
	case op.OpType != Delete && op.Payload == nil:
		return fmt.Errorf("%w: %s requires a payload", ErrInvalid, op.OpType)
	}
	return nil
}

// Ready reports whether the operation may be attempted at now.
func (op *Operation) Ready(now time.Time) bool {
	return op.NextAttemptAt.IsZero() || !op.NextAttemptAt.After(now)
}

// Dispatched reports whether the operation may already have reached the
// remote service.
func (op *Operation) Dispatched() bool {
	return !op.DispatchedAt.IsZero()
}

// EntityKey identifies the target resource.
func (op *Operation) EntityKey() string {
	return op.EntityType + "/" + op.EntityID
}

// Clone returns a deep copy. Payload values are copied one level deep,
// which is enough because the engine only ever replaces top-level fields.
func (op *Operation) Clone() *Operation {
	c := *op
	c.Payload = cloneMap(op.Payload)
	c.Base = cloneMap(op.Base)
	if op.Version != nil {
		v := *op.Version
		c.Version = &v
	}
	if op.TxnTokens != nil {
		c.TxnTokens = append([]string(nil), op.TxnTokens...)
	}
	return &c
}

// Less orders operations by creation time, ties broken by ID.
func Less(a, b *Operation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FailureClass records why an operation was archived.
type FailureClass string

const (
	FailureFatal     FailureClass = "fatal"
	FailureAuth      FailureClass = "auth"
	FailureConflict  FailureClass = "conflict"
	FailureExhausted FailureClass = "exhausted"
	FailureCorrupt   FailureClass = "corrupt"
	FailureNoRoute   FailureClass = "no_route"
)

// ErrorInfo is the failure detail attached when an operation is archived.
type ErrorInfo struct {
	Class      FailureClass `json:"class"`
	Message    string       `json:"message"`
	StatusCode int          `json:"status_code,omitempty"`
}

// FailedOperation is an entry of the failed archive. Raw holds the
// undecodable bytes of a corrupt entry, in which case Operation carries
// only the ID.
type FailedOperation struct {
	Operation Operation `json:"operation"`
	Error     ErrorInfo `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
	Raw       []byte    `json:"raw,omitempty"`
}
