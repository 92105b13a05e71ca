// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
	"github.com/tomtom215/syncward/internal/operation"
)

// Key layout.
const (
	prefixPending = "pending:"
	prefixIndex   = "index:"
	prefixEntity  = "entity:"
	prefixFailed  = "failed:"
	keyLock       = "lock:processing"

	// index:<20-digit unix nanos>:<id>
	// entity:<len>:<type><len>:<entity id>:<20-digit unix nanos>:<id>
	indexTimeWidth = 20
)

// maxConflictRetries bounds how often a transaction is re-run after badger
// reports a write conflict with a concurrent transaction.
const maxConflictRetries = 8

// purgeBatchSize keeps retention purges below badger's transaction limits.
const purgeBatchSize = 1000

// Options configures a BadgerStore.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	// SyncWrites fsyncs every commit. Disable only for tests.
	SyncWrites  bool
	Compression bool

	GCRatio      float64
	CloseTimeout time.Duration

	Metrics *metrics.Collector

	// Clock stamps FailedAt. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns durable settings for a store at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:         path,
		SyncWrites:   true,
		Compression:  true,
		GCRatio:      0.5,
		CloseTimeout: 30 * time.Second,
	}
}

// BadgerStore implements Store, FailedStore and LockStore on BadgerDB.
type BadgerStore struct {
	db      *badger.DB
	opts    Options
	metrics *metrics.Collector
	now     func() time.Time
	watch   *broadcaster

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store and repairs the index if it does not
// mirror the pending set.
func Open(opts Options) (*BadgerStore, error) {
	bo := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo.SyncWrites = opts.SyncWrites
	if opts.Compression {
		bo.Compression = options.Snappy
	}
	bo.Logger = nil

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	if opts.GCRatio <= 0 || opts.GCRatio >= 1 {
		opts.GCRatio = 0.5
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 30 * time.Second
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	s := &BadgerStore{
		db:      db,
		opts:    opts,
		metrics: opts.Metrics,
		now:     now,
		watch:   newBroadcaster(opts.Metrics),
	}

	ctx := context.Background()
	consistent, err := s.VerifyIndex(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify index: %w", err)
	}
	if !consistent {
		if err := s.RebuildIndex(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("rebuild index: %w", err)
		}
	}

	if n, err := s.PendingCount(ctx); err == nil {
		s.metrics.SetPendingDepth(n)
	}

	logging.Info().
		Str("path", opts.Path).
		Bool("in_memory", opts.InMemory).
		Bool("sync_writes", opts.SyncWrites).
		Msg("queue store opened")
	return s, nil
}

// Close closes the database, giving up after CloseTimeout.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.watch.close()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("queue store closed")
		return nil
	case <-time.After(s.opts.CloseTimeout):
		logging.Warn().Dur("timeout", s.opts.CloseTimeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", s.opts.CloseTimeout)
	}
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// update runs fn in a read-write transaction, re-running it on badger
// write conflicts. Changes emitted by fn are published only after commit.
func (s *BadgerStore) update(ctx context.Context, fenced bool, fn func(txn *badger.Txn, emit func(Change)) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	owner := ""
	if fenced {
		owner = FenceFromContext(ctx)
	}

	var (
		changes []Change
		err     error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		changes = changes[:0]
		emit := func(c Change) {
			c.At = s.now().UTC()
			changes = append(changes, c)
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			if owner != "" {
				if err := checkFence(txn, owner); err != nil {
					return err
				}
			}
			return fn(txn, emit)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	if err != nil {
		return err
	}
	s.watch.publish(changes)
	return nil
}

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func checkFence(txn *badger.Txn, owner string) error {
	rec, err := getLock(txn)
	if err != nil {
		return err
	}
	if rec == nil || rec.OwnerID != owner {
		return ErrNotLockOwner
	}
	return nil
}

func pendingKey(id string) []byte { return []byte(prefixPending + id) }
func failedKey(id string) []byte  { return []byte(prefixFailed + id) }

// orderSuffix sorts lexically in (CreatedAt, ID) order.
func orderSuffix(op *operation.Operation) string {
	var ns int64
	if op.CreatedAt.After(time.Unix(0, 0)) {
		ns = op.CreatedAt.UnixNano()
	}
	return fmt.Sprintf("%0*d:%s", indexTimeWidth, ns, op.ID)
}

func indexKey(op *operation.Operation) []byte {
	return []byte(prefixIndex + orderSuffix(op))
}

// entityPrefix is length-prefixed so no entity type or id can collide with
// another entity's range.
func entityPrefix(entityType, entityID string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s%d:%s:", prefixEntity, len(entityType), entityType, len(entityID), entityID))
}

func entityKey(op *operation.Operation) []byte {
	return append(entityPrefix(op.EntityType, op.EntityID), orderSuffix(op)...)
}

func idFromIndexKey(key []byte) (string, bool) {
	return idFromOrderSuffix(key[min(len(key), len(prefixIndex)):])
}

func idFromOrderSuffix(suffix []byte) (string, bool) {
	start := indexTimeWidth + 1
	if len(suffix) <= start || suffix[start-1] != ':' {
		return "", false
	}
	return string(suffix[start:]), true
}

func decodeOperation(data []byte) (*operation.Operation, error) {
	var op operation.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if op.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrCorruptEntry)
	}
	return &op, nil
}

// getOp returns the decoded operation and its raw bytes. A corrupt entry
// yields its raw bytes and an ErrCorruptEntry error.
func getOp(txn *badger.Txn, id string) (*operation.Operation, []byte, error) {
	item, err := txn.Get(pendingKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get pending entry: %w", err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("read pending entry: %w", err)
	}
	op, err := decodeOperation(raw)
	if err != nil {
		return nil, raw, err
	}
	return op, raw, nil
}

// putOp writes the pending entry and its index entry together.
func putOp(txn *badger.Txn, op *operation.Operation) error {
	old, _, err := getOp(txn, op.ID)
	switch {
	case err == nil:
		if !bytes.Equal(indexKey(old), indexKey(op)) {
			if err := txn.Delete(indexKey(old)); err != nil {
				return fmt.Errorf("delete stale index entry: %w", err)
			}
		}
		if !bytes.Equal(entityKey(old), entityKey(op)) {
			if err := txn.Delete(entityKey(old)); err != nil {
				return fmt.Errorf("delete stale entity entry: %w", err)
			}
		}
	case errors.Is(err, ErrCorruptEntry):
		if err := deleteIndexFor(txn, op.ID); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	if err := txn.Set(pendingKey(op.ID), data); err != nil {
		return fmt.Errorf("set pending entry: %w", err)
	}
	if err := txn.Set(indexKey(op), []byte{}); err != nil {
		return fmt.Errorf("set index entry: %w", err)
	}
	if err := txn.Set(entityKey(op), []byte{}); err != nil {
		return fmt.Errorf("set entity entry: %w", err)
	}
	return nil
}

// deleteOp removes the pending entry and its index entries together.
func deleteOp(txn *badger.Txn, id string) (*operation.Operation, error) {
	op, _, err := getOp(txn, id)
	switch {
	case err == nil:
		if err := txn.Delete(indexKey(op)); err != nil {
			return nil, fmt.Errorf("delete index entry: %w", err)
		}
		if err := txn.Delete(entityKey(op)); err != nil {
			return nil, fmt.Errorf("delete entity entry: %w", err)
		}
	case errors.Is(err, ErrCorruptEntry):
		if err := deleteIndexFor(txn, id); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if err := txn.Delete(pendingKey(id)); err != nil {
		return nil, fmt.Errorf("delete pending entry: %w", err)
	}
	return op, nil
}

// deleteIndexFor removes index entries for id without knowing its creation
// time or entity. Only needed for entries whose pending record cannot be
// decoded.
func deleteIndexFor(txn *badger.Txn, id string) error {
	suffix := ":" + id
	var keys [][]byte

	for _, prefix := range []string{prefixIndex, prefixEntity} {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if strings.HasSuffix(string(k), suffix) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		it.Close()
	}

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return fmt.Errorf("delete index entry: %w", err)
		}
	}
	return nil
}

func changeFor(kind ChangeKind, op *operation.Operation) Change {
	return Change{Kind: kind, ID: op.ID, OpType: op.OpType, EntityType: op.EntityType, EntityID: op.EntityID}
}

// Put inserts or replaces a pending operation.
func (s *BadgerStore) Put(ctx context.Context, op *operation.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	err := s.update(ctx, true, func(txn *badger.Txn, emit func(Change)) error {
		if err := putOp(txn, op); err != nil {
			return err
		}
		emit(changeFor(ChangePut, op))
		return nil
	})
	if err == nil {
		s.refreshDepth(ctx)
	}
	return err
}

// Get returns a pending operation.
func (s *BadgerStore) Get(_ context.Context, id string) (*operation.Operation, error) {
	var op *operation.Operation
	err := s.view(func(txn *badger.Txn) error {
		var err error
		op, _, err = getOp(txn, id)
		return err
	})
	return op, err
}

// Delete removes a pending operation.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	err := s.update(ctx, true, func(txn *badger.Txn, emit func(Change)) error {
		op, err := deleteOp(txn, id)
		if err != nil {
			return err
		}
		if op == nil {
			op = &operation.Operation{ID: id}
		}
		emit(changeFor(ChangeDelete, op))
		return nil
	})
	if err == nil {
		s.refreshDepth(ctx)
	}
	return err
}

// Update applies fn to a copy of the stored operation and persists it.
func (s *BadgerStore) Update(ctx context.Context, id string, fn func(op *operation.Operation) error) (*operation.Operation, error) {
	var result *operation.Operation
	err := s.update(ctx, true, func(txn *badger.Txn, emit func(Change)) error {
		op, _, err := getOp(txn, id)
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
		if op.ID != id {
			return fmt.Errorf("update must not change operation id %s", id)
		}
		if err := putOp(txn, op); err != nil {
			return err
		}
		emit(changeFor(ChangePut, op))
		result = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Apply commits b atomically.
func (s *BadgerStore) Apply(ctx context.Context, b Batch) error {
	for _, op := range b.Puts {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	err := s.update(ctx, true, func(txn *badger.Txn, emit func(Change)) error {
		for _, id := range b.Guard {
			op, _, err := getOp(txn, id)
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s no longer pending", ErrStale, id)
			}
			if err != nil {
				return err
			}
			if op.Dispatched() {
				return fmt.Errorf("%w: %s was dispatched", ErrStale, id)
			}
		}
		for _, id := range b.Deletes {
			op, err := deleteOp(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if op == nil {
				op = &operation.Operation{ID: id}
			}
			emit(changeFor(ChangeDelete, op))
		}
		for _, op := range b.Puts {
			if err := putOp(txn, op); err != nil {
				return err
			}
			emit(changeFor(ChangePut, op))
		}
		return nil
	})
	if err == nil {
		s.refreshDepth(ctx)
	}
	return err
}

type scanResult struct {
	ops        []*operation.Operation
	corrupt    []string
	consistent bool
}

// scan walks the index in creation order and cross-checks it against the
// pending set.
func (s *BadgerStore) scan() (scanResult, error) {
	res := scanResult{consistent: true}
	err := s.view(func(txn *badger.Txn) error {
		seen := make(map[string]struct{})

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixIndex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, ok := idFromIndexKey(it.Item().Key())
			if !ok {
				res.consistent = false
				continue
			}
			if _, dup := seen[id]; dup {
				res.consistent = false
				continue
			}
			seen[id] = struct{}{}

			op, _, err := getOp(txn, id)
			switch {
			case err == nil:
				if !indexMatches(it.Item().Key(), op) {
					res.consistent = false
				}
				if _, err := txn.Get(entityKey(op)); err != nil {
					if !errors.Is(err, badger.ErrKeyNotFound) {
						return fmt.Errorf("get entity entry: %w", err)
					}
					res.consistent = false
				}
				res.ops = append(res.ops, op)
			case errors.Is(err, ErrNotFound):
				res.consistent = false
			case errors.Is(err, ErrCorruptEntry):
				res.corrupt = append(res.corrupt, id)
			default:
				return err
			}
		}

		pending, err := countPrefix(txn, prefixPending)
		if err != nil {
			return err
		}
		if pending != len(seen) {
			res.consistent = false
		}
		entities, err := countPrefix(txn, prefixEntity)
		if err != nil {
			return err
		}
		if entities != len(res.ops) {
			res.consistent = false
		}
		return nil
	})
	return res, err
}

func indexMatches(key []byte, op *operation.Operation) bool {
	return string(key) == string(indexKey(op))
}

func countPrefix(txn *badger.Txn, prefix string) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n, nil
}

// ScanPendingOrderedByCreation returns every pending operation ordered by
// (CreatedAt, ID). An index that has drifted from the pending set is
// rebuilt first; undecodable entries are moved to the failed archive.
func (s *BadgerStore) ScanPendingOrderedByCreation(ctx context.Context) ([]*operation.Operation, error) {
	res, err := s.scan()
	if err != nil {
		return nil, err
	}
	if !res.consistent {
		logging.Warn().Msg("pending index out of sync with pending set, rebuilding")
		if err := s.RebuildIndex(ctx); err != nil {
			return nil, fmt.Errorf("rebuild index: %w", err)
		}
		if res, err = s.scan(); err != nil {
			return nil, err
		}
	}
	for _, id := range res.corrupt {
		if err := s.quarantine(ctx, id); err != nil {
			return nil, err
		}
	}
	return res.ops, nil
}

// readyWalk is the result of one pass over the index.
type readyWalk struct {
	op       *operation.Operation
	earliest time.Time
	corrupt  string
	drift    bool
}

// NextReady implements Store. It walks the index in creation order and
// stops at the first operation that is ready and is the oldest pending
// operation of its entity. An entity whose oldest operation is waiting
// blocks every later operation of that entity.
func (s *BadgerStore) NextReady(ctx context.Context, now time.Time) (*operation.Operation, time.Time, error) {
	rebuilt := false
	for {
		w, err := s.walkReady(now)
		if err != nil {
			return nil, time.Time{}, err
		}
		switch {
		case w.corrupt != "":
			if err := s.quarantine(ctx, w.corrupt); err != nil {
				return nil, time.Time{}, err
			}
			continue
		case w.drift && !rebuilt:
			logging.Warn().Msg("pending index out of sync with pending set, rebuilding")
			if err := s.RebuildIndex(ctx); err != nil {
				return nil, time.Time{}, fmt.Errorf("rebuild index: %w", err)
			}
			rebuilt = true
			continue
		}
		return w.op, w.earliest, nil
	}
}

func (s *BadgerStore) walkReady(now time.Time) (readyWalk, error) {
	var w readyWalk
	err := s.view(func(txn *badger.Txn) error {
		blocked := make(map[string]struct{})

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixIndex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, ok := idFromIndexKey(it.Item().Key())
			if !ok {
				w.drift = true
				continue
			}
			op, _, err := getOp(txn, id)
			switch {
			case errors.Is(err, ErrNotFound):
				w.drift = true
				continue
			case errors.Is(err, ErrCorruptEntry):
				w.corrupt = id
				return nil
			case err != nil:
				return err
			}

			entity := string(entityPrefix(op.EntityType, op.EntityID))
			if _, ok := blocked[entity]; ok {
				continue
			}
			if op.Ready(now) {
				w.op = op
				return nil
			}
			blocked[entity] = struct{}{}
			if w.earliest.IsZero() || op.NextAttemptAt.Before(w.earliest) {
				w.earliest = op.NextAttemptAt
			}
		}
		return nil
	})
	return w, err
}

// FindPendingByEntity returns the pending operations targeting one entity
// in creation order. Undecodable entries are skipped; NextReady moves them
// to the failed archive.
func (s *BadgerStore) FindPendingByEntity(ctx context.Context, entityType, entityID string) ([]*operation.Operation, error) {
	prefix := entityPrefix(entityType, entityID)
	rebuilt := false
	for {
		var (
			ops   []*operation.Operation
			drift bool
		)
		err := s.view(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				id, ok := idFromOrderSuffix(it.Item().Key()[len(prefix):])
				if !ok {
					drift = true
					continue
				}
				op, _, err := getOp(txn, id)
				switch {
				case errors.Is(err, ErrNotFound):
					drift = true
					continue
				case errors.Is(err, ErrCorruptEntry):
					continue
				case err != nil:
					return err
				}
				if op.EntityType != entityType || op.EntityID != entityID {
					drift = true
					continue
				}
				ops = append(ops, op)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if drift && !rebuilt {
			logging.Warn().Str("entity_type", entityType).Msg("entity index out of sync with pending set, rebuilding")
			if err := s.RebuildIndex(ctx); err != nil {
				return nil, fmt.Errorf("rebuild index: %w", err)
			}
			rebuilt = true
			continue
		}
		return ops, nil
	}
}

// PendingCount returns the number of pending entries.
func (s *BadgerStore) PendingCount(_ context.Context) (int, error) {
	var n int
	err := s.view(func(txn *badger.Txn) error {
		var err error
		n, err = countPrefix(txn, prefixPending)
		return err
	})
	return n, err
}

func (s *BadgerStore) refreshDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if n, err := s.PendingCount(ctx); err == nil {
		s.metrics.SetPendingDepth(n)
	}
}

// MoveToFailed archives a pending operation with the given error detail.
func (s *BadgerStore) MoveToFailed(ctx context.Context, id string, info operation.ErrorInfo) error {
	info.Message = logging.SanitizeText(info.Message)
	err := s.update(ctx, true, func(txn *badger.Txn, emit func(Change)) error {
		op, raw, err := getOp(txn, id)
		rec := &operation.FailedOperation{Error: info, FailedAt: s.now().UTC()}
		switch {
		case err == nil:
			rec.Operation = *op
		case errors.Is(err, ErrCorruptEntry):
			rec.Operation = operation.Operation{ID: id}
			rec.Raw = raw
		default:
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal failed record: %w", err)
		}
		if err := txn.Set(failedKey(id), data); err != nil {
			return fmt.Errorf("set failed entry: %w", err)
		}
		if _, err := deleteOp(txn, id); err != nil {
			return err
		}
		emit(changeFor(ChangeFailed, &rec.Operation))
		return nil
	})
	if err == nil {
		s.refreshDepth(ctx)
	}
	return err
}

// quarantine moves an undecodable pending entry to the failed archive with
// its raw bytes preserved.
func (s *BadgerStore) quarantine(ctx context.Context, id string) error {
	err := s.update(ctx, false, func(txn *badger.Txn, emit func(Change)) error {
		_, raw, err := getOp(txn, id)
		if err == nil || errors.Is(err, ErrNotFound) {
			return nil
		}
		if !errors.Is(err, ErrCorruptEntry) {
			return err
		}
		rec := &operation.FailedOperation{
			Operation: operation.Operation{ID: id},
			Error:     operation.ErrorInfo{Class: operation.FailureCorrupt, Message: logging.SanitizeError(err)},
			FailedAt:  s.now().UTC(),
			Raw:       raw,
		}
		data, mErr := json.Marshal(rec)
		if mErr != nil {
			return fmt.Errorf("marshal failed record: %w", mErr)
		}
		if err := txn.Set(failedKey(id), data); err != nil {
			return fmt.Errorf("set failed entry: %w", err)
		}
		if err := deleteIndexFor(txn, id); err != nil {
			return err
		}
		if err := txn.Delete(pendingKey(id)); err != nil {
			return fmt.Errorf("delete pending entry: %w", err)
		}
		emit(Change{Kind: ChangeFailed, ID: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", id, err)
	}
	s.metrics.RecordCorruptEntry()
	s.metrics.RecordFailed("", "", string(operation.FailureCorrupt))
	s.refreshDepth(ctx)
	logging.Error().Str("operation_id", id).Msg("corrupt pending entry moved to failed archive")
	return nil
}

// VerifyIndex reports whether the index mirrors the pending set exactly.
func (s *BadgerStore) VerifyIndex(_ context.Context) (bool, error) {
	res, err := s.scan()
	if err != nil {
		return false, err
	}
	return res.consistent, nil
}

// RebuildIndex discards the index and regenerates it from the pending set,
// which is the source of truth. Undecodable entries are left for
// ScanPendingOrderedByCreation to quarantine.
func (s *BadgerStore) RebuildIndex(ctx context.Context) error {
	var rebuilt int
	err := s.update(ctx, false, func(txn *badger.Txn, _ func(Change)) error {
		rebuilt = 0
		var stale [][]byte
		for _, prefix := range []string{prefixIndex, prefixEntity} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete index entry: %w", err)
			}
		}

		var ops []*operation.Operation
		var corrupt []string
		popts := badger.DefaultIteratorOptions
		popts.Prefix = []byte(prefixPending)
		pit := txn.NewIterator(popts)
		for pit.Rewind(); pit.Valid(); pit.Next() {
			id := strings.TrimPrefix(string(pit.Item().Key()), prefixPending)
			raw, err := pit.Item().ValueCopy(nil)
			if err != nil {
				pit.Close()
				return fmt.Errorf("read pending entry: %w", err)
			}
			op, err := decodeOperation(raw)
			if err != nil {
				corrupt = append(corrupt, id)
				continue
			}
			ops = append(ops, op)
		}
		pit.Close()

		for _, op := range ops {
			if err := txn.Set(indexKey(op), []byte{}); err != nil {
				return fmt.Errorf("set index entry: %w", err)
			}
			if err := txn.Set(entityKey(op), []byte{}); err != nil {
				return fmt.Errorf("set entity entry: %w", err)
			}
			rebuilt++
		}
		// corrupt entries keep an index slot so the next scan surfaces them
		for _, id := range corrupt {
			placeholder := &operation.Operation{ID: id}
			if err := txn.Set(indexKey(placeholder), []byte{}); err != nil {
				return fmt.Errorf("set index entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RecordIndexRebuild()
	logging.Info().Int("entries", rebuilt).Msg("pending index rebuilt")
	return nil
}

// Watch implements Store.
func (s *BadgerStore) Watch(ctx context.Context) <-chan Change {
	return s.watch.subscribe(ctx)
}

// ListFailed returns a page of the failed archive, newest first, and the
// total archive size.
func (s *BadgerStore) ListFailed(_ context.Context, limit, offset int) ([]*operation.FailedOperation, int, error) {
	var all []*operation.FailedOperation
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixFailed)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec operation.FailedOperation
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping undecodable failed entry")
				continue
			}
			all = append(all, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].FailedAt.Equal(all[j].FailedAt) {
			return all[i].FailedAt.After(all[j].FailedAt)
		}
		return all[i].Operation.ID < all[j].Operation.ID
	})

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*operation.FailedOperation{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// GetFailed returns one archived operation.
func (s *BadgerStore) GetFailed(_ context.Context, id string) (*operation.FailedOperation, error) {
	var rec *operation.FailedOperation
	err := s.view(func(txn *badger.Txn) error {
		var err error
		rec, err = getFailed(txn, id)
		return err
	})
	return rec, err
}

func getFailed(txn *badger.Txn, id string) (*operation.FailedOperation, error) {
	item, err := txn.Get(failedKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get failed entry: %w", err)
	}
	var rec operation.FailedOperation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return &rec, nil
}

// Requeue moves an archived operation back to the pending set with its
// retry state reset. Its identity, including the idempotency key, is kept.
func (s *BadgerStore) Requeue(ctx context.Context, id string) (*operation.Operation, error) {
	var op *operation.Operation
	err := s.update(ctx, false, func(txn *badger.Txn, emit func(Change)) error {
		rec, err := getFailed(txn, id)
		if err != nil {
			return err
		}
		if rec.Raw != nil || rec.Operation.Validate() != nil {
			return fmt.Errorf("%w: %s cannot be requeued", ErrCorruptEntry, id)
		}
		restored := rec.Operation
		restored.AttemptCount = 0
		restored.NextAttemptAt = time.Time{}
		restored.DispatchedAt = time.Time{}
		restored.ConflictCount = 0
		restored.LastError = ""
		if err := putOp(txn, &restored); err != nil {
			return err
		}
		if err := txn.Delete(failedKey(id)); err != nil {
			return fmt.Errorf("delete failed entry: %w", err)
		}
		emit(changeFor(ChangeRequeued, &restored))
		op = &restored
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshDepth(ctx)
	return op, nil
}

// DeleteFailed permanently removes an archived operation.
func (s *BadgerStore) DeleteFailed(ctx context.Context, id string) error {
	return s.update(ctx, false, func(txn *badger.Txn, _ func(Change)) error {
		if _, err := txn.Get(failedKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get failed entry: %w", err)
		}
		return txn.Delete(failedKey(id))
	})
}

// PurgeFailedBefore deletes archived operations that failed before cutoff.
func (s *BadgerStore) PurgeFailedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		var n int
		err := s.update(ctx, false, func(txn *badger.Txn, _ func(Change)) error {
			n = 0
			var doomed [][]byte
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefixFailed)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid() && len(doomed) < purgeBatchSize; it.Next() {
				var rec operation.FailedOperation
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &rec)
				})
				if err != nil || rec.FailedAt.Before(cutoff) {
					doomed = append(doomed, it.Item().KeyCopy(nil))
				}
			}
			it.Close()
			for _, k := range doomed {
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("delete failed entry: %w", err)
				}
			}
			n = len(doomed)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatchSize {
			return total, nil
		}
	}
}

func getLock(txn *badger.Txn) (*LockRecord, error) {
	item, err := txn.Get([]byte(keyLock))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lock: %w", err)
	}
	var rec LockRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		// an unreadable lock is treated as absent and will be overwritten
		logging.Warn().Err(err).Msg("processing lock record unreadable")
		return nil, nil
	}
	return &rec, nil
}

// LoadLock returns the current lock record, or nil if none is stored.
func (s *BadgerStore) LoadLock(_ context.Context) (*LockRecord, error) {
	var rec *LockRecord
	err := s.view(func(txn *badger.Txn) error {
		var err error
		rec, err = getLock(txn)
		return err
	})
	return rec, err
}

// SwapLock implements LockStore.
func (s *BadgerStore) SwapLock(ctx context.Context, fn func(current *LockRecord) (*LockRecord, error)) (*LockRecord, error) {
	var stored *LockRecord
	err := s.update(ctx, false, func(txn *badger.Txn, _ func(Change)) error {
		cur, err := getLock(txn)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			stored = nil
			if cur == nil {
				return nil
			}
			return txn.Delete([]byte(keyLock))
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal lock: %w", err)
		}
		stored = next
		return txn.Set([]byte(keyLock), data)
	})
	return stored, err
}

// RunGC reclaims value log space until badger reports nothing to rewrite.
func (s *BadgerStore) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.opts.InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(s.opts.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log GC: %w", err)
		}
	}
}

// Size returns the LSM and value log sizes in bytes, or zeros once the
// store is closed.
func (s *BadgerStore) Size() (lsm, vlog int64) {
	if s.checkOpen() != nil {
		return 0, 0
	}
	return s.db.Size()
}
