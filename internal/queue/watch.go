// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package queue

import (
	"context"
	"sync"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
)

const watchBuffer = 128

// broadcaster fans committed changes out to watchers.
type broadcaster struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan Change
	closed  bool
	dropped uint64
	metrics *metrics.Collector
}

func newBroadcaster(m *metrics.Collector) *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan Change), metrics: m}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, watchBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range changes {
		for _, ch := range b.subs {
			select {
			case ch <- c:
			default:
				b.dropped++
				b.metrics.RecordWatchDropped()
				if b.dropped%watchBuffer == 1 {
					logging.Warn().Uint64("dropped_total", b.dropped).Msg("queue watcher too slow, dropping change events")
				}
			}
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
