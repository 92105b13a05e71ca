// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package websocket

import (
	"context"
	"errors"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/queue"
)

// ErrWatchClosed is returned by the pump when the store stops the change
// stream while the pump is still wanted, typically because the store was
// closed.
var ErrWatchClosed = errors.New("queue change stream closed")

// Watcher is the part of the queue store the pump needs.
type Watcher interface {
	Watch(ctx context.Context) <-chan queue.Change
}

// Broadcaster receives changes.
type Broadcaster interface {
	BroadcastChange(change queue.Change)
}

// WatchPump forwards committed queue changes to the hub.
type WatchPump struct {
	source Watcher
	sink   Broadcaster
}

func NewWatchPump(source Watcher, sink Broadcaster) *WatchPump {
	return &WatchPump{source: source, sink: sink}
}

// Serve implements suture.Service.
func (p *WatchPump) Serve(ctx context.Context) error {
	changes := p.source.Watch(ctx)
	logging.Debug().Msg("queue watch pump started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrWatchClosed
			}
			p.sink.BroadcastChange(change)
		}
	}
}

func (p *WatchPump) String() string { return "watch-pump" }
