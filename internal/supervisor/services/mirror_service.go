// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/syncward/internal/logging"
)

// Flusher waits for in-flight work and releases its connection.
// *mirror.Mirror satisfies it.
type Flusher interface {
	Close() error
}

// EmbeddedServer is an in-process broker. *mirror.EmbeddedServer
// satisfies it.
type EmbeddedServer interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// MirrorService owns the shutdown of the outcome mirror. The mirror is
// flushed first so queued publishes reach the broker, then the embedded
// NATS server, if any, is stopped.
//
// Both components are started before the tree; the service only ends them,
// so it is never restarted once it returns.
type MirrorService struct {
	mirror          Flusher
	server          EmbeddedServer
	shutdownTimeout time.Duration
	name            string
}

// NewMirrorService wraps the mirror and an optional embedded server.
func NewMirrorService(m Flusher, server EmbeddedServer, shutdownTimeout time.Duration) *MirrorService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &MirrorService{
		mirror:          m,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "outcome-mirror",
	}
}

// Serve implements suture.Service.
func (s *MirrorService) Serve(ctx context.Context) error {
	<-ctx.Done()

	var errs []error
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mirror: %w", err))
		}
	}
	if s.server != nil && s.server.IsRunning() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown embedded NATS: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logging.Warn().Err(err).Msg("outcome mirror shutdown incomplete")
		return err
	}
	logging.Info().Msg("outcome mirror stopped")
	return ctx.Err()
}

func (s *MirrorService) String() string {
	return s.name
}
