// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

/*
Package services adapts daemon components to suture.Service.

Components that already expose Serve(ctx) error, such as the engine, the
websocket hub, the lock heartbeat and the watch pump, are added to the
tree directly. The wrappers here cover the other lifecycles:

	HTTPServerService     binds a listener, Serve / Shutdown
	StartStopService      Start(ctx) / Stop, used for the queue compactor
	MirrorService         waits for shutdown, then flushes the outcome
	                      mirror and stops the embedded NATS server

Return behavior follows suture: nil stops the service for good, any other
error restarts it, and ctx.Err() reports a requested shutdown.
*/
package services
