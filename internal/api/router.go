// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/middleware"
	"github.com/tomtom215/syncward/internal/websocket"
)

const registerTimeout = 5 * time.Second

// Config controls the router's cross-cutting middleware.
type Config struct {
	CORSOrigins []string

	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit int

	Version string
}

// Deps are what the router serves. Hub and Gatherer are optional; without
// them /api/v1/watch and /metrics are not mounted.
type Deps struct {
	Engine     Engine
	Store      Store
	Hub        *websocket.Hub
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
}

// NewRouter builds the admin HTTP handler.
func NewRouter(cfg Config, d Deps) http.Handler {
	h := NewHandler(d.Engine, d.Store, cfg.Version)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if d.Registerer != nil {
		r.Use(middleware.NewHTTPMetrics(d.Registerer).Handler)
	}
	r.Use(middleware.AccessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.HeaderRequestID},
		ExposedHeaders:   []string{middleware.HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimit > 0 {
		r.Use(httprate.Limit(cfg.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
				respondError(w, req, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			}),
		))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/status", h.Status)

		r.Get("/queue", h.ListPending)
		r.Get("/queue/{id}", h.GetPending)
		r.Post("/operations", h.Enqueue)

		r.Get("/failed", h.ListFailed)
		r.Get("/failed/{id}", h.GetFailed)
		r.Post("/failed/{id}/requeue", h.Requeue)
		r.Delete("/failed/{id}", h.DeleteFailed)

		if d.Hub != nil {
			r.Get("/watch", watchHandler(d.Hub, cfg.CORSOrigins))
		}
	})

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, req, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, req, http.StatusMethodNotAllowed, CodeBadRequest, "Method not allowed", nil)
	})
	return r
}

// watchHandler upgrades to a websocket that streams queue changes.
func watchHandler(hub *websocket.Hub, origins []string) http.HandlerFunc {
	upgrader := gorillaws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), origins)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			logging.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := websocket.NewClient(hub, conn, r.URL.Query()["entity_type"]...)
		select {
		case hub.Register <- client:
		case <-time.After(registerTimeout):
			logging.Ctx(r.Context()).Warn().Msg("websocket hub not accepting clients")
			_ = conn.Close()
			return
		}
		client.Start()
	}
}

// originAllowed rejects a missing Origin. Browsers always send one on a
// websocket handshake.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		logging.Warn().Msg("websocket connection rejected: missing Origin header")
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("websocket connection rejected from unauthorized origin")
	return false
}
