// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package queue is the durable store behind the sync engine: the pending
// set with its creation-order index, the failed archive and the processing
// lock record.
//
// Every mutation of the pending set writes the pending entry and its index
// entry in one transaction. Writes made on behalf of the processing loop
// carry a fence (see WithFence) and are rejected with ErrNotLockOwner if
// the lock changed hands, so a processor that lost its lock cannot commit
// outcomes.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/syncward/internal/operation"
)

var (
	ErrNotFound     = errors.New("operation not found")
	ErrStoreClosed  = errors.New("queue store is closed")
	ErrNotLockOwner = errors.New("processing lock is held by another owner")
	// ErrStale is returned by Apply when a guarded operation was dispatched
	// or removed after the caller read it.
	ErrStale = errors.New("pending operation changed concurrently")
	// ErrCorruptEntry is returned when a stored record cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt queue entry")
)

// Store is the pending-set contract the engine depends on.
type Store interface {
	Put(ctx context.Context, op *operation.Operation) error
	Get(ctx context.Context, id string) (*operation.Operation, error)
	Delete(ctx context.Context, id string) error

	// Update applies fn to the stored operation and persists the result in
	// one transaction.
	Update(ctx context.Context, id string, fn func(op *operation.Operation) error) (*operation.Operation, error)

	// Apply commits a multi-operation change atomically.
	Apply(ctx context.Context, b Batch) error

	ScanPendingOrderedByCreation(ctx context.Context) ([]*operation.Operation, error)

	// NextReady returns the oldest operation ready at now. When none is
	// ready it returns nil and the earliest future NextAttemptAt, or the
	// zero time if the queue is empty.
	NextReady(ctx context.Context, now time.Time) (*operation.Operation, time.Time, error)

	FindPendingByEntity(ctx context.Context, entityType, entityID string) ([]*operation.Operation, error)
	PendingCount(ctx context.Context) (int, error)

	MoveToFailed(ctx context.Context, id string, info operation.ErrorInfo) error

	// Watch streams committed changes until ctx is done. Slow readers miss
	// events rather than block writers.
	Watch(ctx context.Context) <-chan Change
}

// FailedStore manages the failed archive.
type FailedStore interface {
	ListFailed(ctx context.Context, limit, offset int) ([]*operation.FailedOperation, int, error)
	GetFailed(ctx context.Context, id string) (*operation.FailedOperation, error)
	Requeue(ctx context.Context, id string) (*operation.Operation, error)
	DeleteFailed(ctx context.Context, id string) error
	PurgeFailedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LockRecord is the singleton processing lock.
type LockRecord struct {
	OwnerID       string    `json:"owner_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// LockStore persists the processing lock.
type LockStore interface {
	LoadLock(ctx context.Context) (*LockRecord, error)

	// SwapLock reads the current record (nil if none), passes it to fn and
	// stores what fn returns in the same transaction. A nil result deletes
	// the record. The stored record is returned.
	SwapLock(ctx context.Context, fn func(current *LockRecord) (*LockRecord, error)) (*LockRecord, error)
}

// Batch is a set of pending-set changes committed together.
type Batch struct {
	Puts    []*operation.Operation
	Deletes []string

	// Guard lists operations that must still be pending and undispatched
	// at commit time; otherwise Apply fails with ErrStale.
	Guard []string
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangePut      ChangeKind = "put"
	ChangeDelete   ChangeKind = "delete"
	ChangeFailed   ChangeKind = "failed"
	ChangeRequeued ChangeKind = "requeued"
)

// Change describes one committed mutation. It deliberately omits the
// payload.
type Change struct {
	Kind       ChangeKind       `json:"kind"`
	ID         string           `json:"id"`
	OpType     operation.OpType `json:"op_type,omitempty"`
	EntityType string           `json:"entity_type,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	At         time.Time        `json:"at"`
}

type fenceKey struct{}

// WithFence marks writes made with ctx as belonging to the processing lock
// owner ownerID.
func WithFence(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, fenceKey{}, ownerID)
}

// FenceFromContext returns the fence owner carried by ctx, or "".
func FenceFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(fenceKey{}).(string); ok {
		return owner
	}
	return ""
}
