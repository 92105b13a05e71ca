// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package main is the entry point for the syncd daemon.
//
// syncd owns a durable operation queue and replays it against a remote
// REST API whenever the network allows. Clients enqueue mutations through
// the admin API; the engine dispatches them in creation order, retrying
// transient failures with backoff and reconciling version conflicts.
//
// # Startup
//
//  1. Configuration: defaults, config file, SYNCWARD_* environment (Koanf v2)
//  2. Queue store: BadgerDB at store.path
//  3. Engine: routes, transport, reconciler, circuit breaker, processing lock
//  4. Outcome mirror (optional): NATS JetStream, embedded or external
//  5. Supervisor tree: data, sync and api layers
//
// The config file is found through SYNCWARD_CONFIG or the default paths
// ./syncward.yaml and /etc/syncward/syncward.yaml.
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the tree. An operation already dispatched runs
// to completion and its outcome is stored before the processing lock is
// released.
//
// # Example Usage
//
//	export SYNCWARD_TRANSPORT_BASE_URL=https://api.example.com/v1
//	export SYNCWARD_TRANSPORT_TOKEN=secret
//	export SYNCWARD_STORE_PATH=/var/lib/syncward
//	./syncd
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/syncward/internal/app"
	"github.com/tomtom215/syncward/internal/config"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/supervisor"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Caller:         cfg.Logging.Caller,
		Timestamp:      true,
		RedactPayloads: cfg.Logging.RedactPayloads,
	})

	logging.Info().
		Str("version", app.Version).
		Str("base_url", cfg.Transport.BaseURL).
		Str("store_path", cfg.Store.Path).
		Str("owner_id", cfg.Lock.OwnerID).
		Msg("Starting syncd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize sync engine")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error().Err(err).Msg("Error releasing resources")
		}
	}()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to create supervisor tree")
		return
	}
	a.Supervise(tree)
	if cfg.Admin.Enabled {
		logging.Info().Str("addr", cfg.Admin.ListenAddr).Msg("Admin API enabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("syncd stopped")
}
