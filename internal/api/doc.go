// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

/*
Package api serves the local admin HTTP interface of the sync daemon.

The router is built on chi and mounts:

	GET    /api/v1/health                liveness
	GET    /api/v1/status                engine status and counters
	GET    /api/v1/queue                 pending operations, paged
	GET    /api/v1/queue/{id}            one pending operation
	POST   /api/v1/operations            enqueue through the coalescer
	GET    /api/v1/failed                failed archive, paged
	GET    /api/v1/failed/{id}           one archived operation
	POST   /api/v1/failed/{id}/requeue   move back to pending
	DELETE /api/v1/failed/{id}           discard
	GET    /api/v1/watch                 websocket stream of queue changes
	GET    /metrics                      Prometheus exposition

Every JSON response uses the same envelope:

	{"success": true, "data": ..., "meta": {"timestamp": ..., "request_id": ...}}

Payload and base values are shown as "[REDACTED]" unless payload redaction
was disabled in the logging configuration. The listener is meant for
loopback only; there is no authentication.
*/
package api
