// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

/*
Package middleware provides the HTTP middleware of the admin API.

Key Components:

  - RequestID: accepts or generates X-Request-ID and puts it in the
    logging context
  - HTTPMetrics: request counts and latency on an injected Prometheus
    registry, labelled by chi route pattern so label cardinality stays
    bounded
  - AccessLog: one structured zerolog record per request

Typical stack:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpMetrics.Handler)
	r.Use(middleware.AccessLog)
*/
package middleware
