// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

/*
Package websocket streams queue change events to connected watchers.

Key Components:

  - Hub: owns the client set and broadcasts messages in client ID order
  - Client: one connection with its read and write goroutines
  - WatchPump: a supervised service that subscribes to Store.Watch and
    hands every committed change to the hub

Architecture:

	Store.Watch ──► WatchPump ──► Hub ──┬──► Client 1
	                                    ├──► Client 2
	                                    └──► Client N

Message Types:

  - queue_change: a committed mutation (put, delete, failed, requeued);
    carries ids and types, never the payload
  - status: engine status snapshots
  - ping / pong: application-level keepalive

A client whose send buffer fills up is disconnected instead of slowing the
broadcast for everyone else. Watchers reconnect and re-read the queue over
the admin API.

Connection settings:
  - writeWait: 10 seconds
  - pongWait: 60 seconds
  - pingPeriod: 54 seconds
  - maxMessageSize: 4 KB inbound
*/
package websocket
