// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

/*
Package supervisor runs the sync daemon's long-lived services under a
suture v4 supervisor tree.

# Layout

	RootSupervisor ("syncward")
	├── DataSupervisor ("data-layer")
	│   ├── queue-compactor      purges old failed entries, badger value log GC
	│   └── lock-heartbeat       keeps the processing lock fresh
	├── SyncSupervisor ("sync-layer")
	│   ├── sync-engine          the dispatch loop
	│   └── outcome-mirror       flushes the NATS mirror on shutdown (optional)
	└── APISupervisor ("api-layer")
	    ├── websocket-hub
	    ├── watch-pump           queue changes into the hub
	    └── admin-http

Each layer counts failures on its own, so a crashing admin server never
stops the engine and an engine restart does not drop websocket clients.

# Failure Handling

Failures decay exponentially over FailureDecay seconds. When the count
passes FailureThreshold the supervisor waits FailureBackoff before the
next restart. Defaults are suture's: 5 failures, 30s decay, 15s backoff,
and a 10s per-service shutdown timeout.

Supervisor events are logged through sutureslog on the slog adapter of
the global zerolog logger.

# Shutdown

Canceling the context passed to Serve stops every layer. Services that do
not stop within ShutdownTimeout are listed by UnstoppedServiceReport. The
engine releases the processing lock as it exits, after its last outcome
is durable.

The badger store is not supervised. It is opened before the tree starts
and closed after it stops.
*/
package supervisor
