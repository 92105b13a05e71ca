// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tomtom215/syncward/internal/logging"
)

// HTTPServer is the part of *http.Server the admin service drives.
type HTTPServer interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// HTTPServerService binds the admin listener and serves on it until the
// tree stops. Binding happens in Serve, so a port conflict fails the
// service and suture retries it with backoff.
//
//	server := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
//	tree.AddAPIService(services.NewHTTPServerService(server, "127.0.0.1:8470", 10*time.Second))
type HTTPServerService struct {
	server HTTPServer
	addr   string
	drain  time.Duration

	mu    sync.Mutex
	bound string
}

// NewHTTPServerService serves server on addr. Open connections get up to
// drain to finish on shutdown; a non-positive drain means 10s.
func NewHTTPServerService(server HTTPServer, addr string, drain time.Duration) *HTTPServerService {
	if drain <= 0 {
		drain = 10 * time.Second
	}
	return &HTTPServerService{server: server, addr: addr, drain: drain}
}

// Addr returns the address the listener is bound to, or "" while the
// service is not serving. Useful when addr asked for port 0.
func (h *HTTPServerService) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}

func (h *HTTPServerService) setBound(addr string) {
	h.mu.Lock()
	h.bound = addr
	h.mu.Unlock()
}

// Serve implements suture.Service.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", h.addr)
	if err != nil {
		return fmt.Errorf("admin http listen on %s: %w", h.addr, err)
	}
	h.setBound(ln.Addr().String())
	defer h.setBound("")
	logging.Info().Str("addr", ln.Addr().String()).Msg("admin API listening")

	served := make(chan error, 1)
	go func() { served <- h.server.Serve(ln) }()

	select {
	case err := <-served:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin http server failed: %w", err)

	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.drain)
		defer cancel()
		if err := h.server.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("admin http drain: %w", err)
		}
		<-served
		logging.Info().Msg("admin API stopped")
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string { return "admin-http" }
