// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package lock implements the heartbeat-based processing lock that keeps
// a single processing loop active per queue.
//
// The lock is cooperative. A record whose heartbeat is older than the
// stale threshold may be taken over by any runner; the previous owner
// then loses its fence and its queue writes are rejected.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
	"github.com/tomtom215/syncward/internal/queue"
)

var (
	// ErrLockHeld means another owner holds a live lock.
	ErrLockHeld = errors.New("processing lock held by a live owner")
	// ErrNotLockOwner is the queue fence error, re-exported for callers
	// that only import this package.
	ErrNotLockOwner = queue.ErrNotLockOwner

	errNotHeld = errors.New("lock not held by this owner")
)

// Config tunes the lock.
type Config struct {
	OwnerID           string
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig uses a two minute stale threshold and a ten second
// heartbeat.
func DefaultConfig(ownerID string) Config {
	return Config{
		OwnerID:           ownerID,
		StaleThreshold:    2 * time.Minute,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Lock is one runner's handle on the shared lock record.
type Lock struct {
	store   queue.LockStore
	cfg     Config
	metrics *metrics.Collector
	now     func() time.Time

	mu   sync.Mutex
	held bool
}

// New creates a handle. clock may be nil.
func New(store queue.LockStore, cfg Config, m *metrics.Collector, clock func() time.Time) (*Lock, error) {
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("lock owner id is required")
	}
	def := DefaultConfig(cfg.OwnerID)
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Lock{store: store, cfg: cfg, metrics: m, now: clock}, nil
}

func (l *Lock) OwnerID() string { return l.cfg.OwnerID }

func (l *Lock) stale(rec *queue.LockRecord, now time.Time) bool {
	return now.Sub(rec.LastHeartbeat) >= l.cfg.StaleThreshold
}

// Acquire takes the lock if it is free, already ours, or stale. Holding
// the lock already refreshes its heartbeat. tookOver reports that a stale
// lock of another owner was replaced.
func (l *Lock) Acquire(ctx context.Context) (acquired, tookOver bool, err error) {
	var previous string
	_, err = l.store.SwapLock(ctx, func(cur *queue.LockRecord) (*queue.LockRecord, error) {
		now := l.now().UTC()
		tookOver = false
		switch {
		case cur == nil:
			return &queue.LockRecord{OwnerID: l.cfg.OwnerID, AcquiredAt: now, LastHeartbeat: now}, nil
		case cur.OwnerID == l.cfg.OwnerID:
			next := *cur
			next.LastHeartbeat = now
			return &next, nil
		case l.stale(cur, now):
			tookOver = true
			previous = cur.OwnerID
			return &queue.LockRecord{OwnerID: l.cfg.OwnerID, AcquiredAt: now, LastHeartbeat: now}, nil
		default:
			previous = cur.OwnerID
			return nil, ErrLockHeld
		}
	})
	if errors.Is(err, ErrLockHeld) {
		l.setHeld(false)
		logging.Debug().Str("owner_id", l.cfg.OwnerID).Str("holder", previous).Msg("processing lock held elsewhere")
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("acquire processing lock: %w", err)
	}

	if !l.setHeld(true) || tookOver {
		ev := logging.Info().Str("owner_id", l.cfg.OwnerID)
		if tookOver {
			l.metrics.RecordLockTakeover()
			ev = logging.Warn().Str("owner_id", l.cfg.OwnerID).Str("previous_owner", previous)
		}
		ev.Bool("took_over", tookOver).Msg("processing lock acquired")
	}
	return true, tookOver, nil
}

// setHeld records ownership and returns the previous value.
func (l *Lock) setHeld(v bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.held
	l.held = v
	return prev
}

// Heartbeat refreshes LastHeartbeat. It fails with ErrNotLockOwner if the
// lock was released or taken over.
func (l *Lock) Heartbeat(ctx context.Context) error {
	_, err := l.store.SwapLock(ctx, func(cur *queue.LockRecord) (*queue.LockRecord, error) {
		if cur == nil || cur.OwnerID != l.cfg.OwnerID {
			return nil, ErrNotLockOwner
		}
		next := *cur
		next.LastHeartbeat = l.now().UTC()
		return &next, nil
	})
	if errors.Is(err, ErrNotLockOwner) {
		l.setHeld(false)
	}
	return err
}

// Release clears the lock if this runner holds it. Releasing a lock held
// by someone else is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.store.SwapLock(ctx, func(cur *queue.LockRecord) (*queue.LockRecord, error) {
		if cur == nil || cur.OwnerID != l.cfg.OwnerID {
			return nil, errNotHeld
		}
		return nil, nil
	})
	l.setHeld(false)
	if errors.Is(err, errNotHeld) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release processing lock: %w", err)
	}
	logging.Info().Str("owner_id", l.cfg.OwnerID).Msg("processing lock released")
	return nil
}

// IsOwner reports whether this runner holds a live lock.
func (l *Lock) IsOwner(ctx context.Context) (bool, error) {
	rec, err := l.store.LoadLock(ctx)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.OwnerID == l.cfg.OwnerID && !l.stale(rec, l.now()), nil
}

// Record returns the stored lock record, or nil.
func (l *Lock) Record(ctx context.Context) (*queue.LockRecord, error) {
	return l.store.LoadLock(ctx)
}

// Run heartbeats every HeartbeatInterval while this runner holds the lock
// and returns when ctx is done. It never releases the lock; the engine does
// that once its last outcome is durable.
func (l *Lock) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.mu.Lock()
			held := l.held
			l.mu.Unlock()
			if !held {
				continue
			}
			err := l.Heartbeat(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotLockOwner):
				logging.Warn().Str("owner_id", l.cfg.OwnerID).Msg("processing lock lost to another owner")
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				l.metrics.RecordHeartbeatFailure()
				logging.Error().Err(err).Str("owner_id", l.cfg.OwnerID).Msg("processing lock heartbeat failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (l *Lock) String() string { return "lock-heartbeat" }

// Serve implements suture.Service.
func (l *Lock) Serve(ctx context.Context) error { return l.Run(ctx) }
