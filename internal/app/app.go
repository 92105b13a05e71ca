// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package app wires the sync daemon's components from a loaded
// configuration. syncd runs the result under the supervisor tree; syncctl
// uses it for a one-shot drain.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tomtom215/syncward/internal/api"
	"github.com/tomtom215/syncward/internal/backoff"
	"github.com/tomtom215/syncward/internal/breaker"
	"github.com/tomtom215/syncward/internal/config"
	"github.com/tomtom215/syncward/internal/engine"
	"github.com/tomtom215/syncward/internal/lock"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
	"github.com/tomtom215/syncward/internal/mirror"
	"github.com/tomtom215/syncward/internal/queue"
	"github.com/tomtom215/syncward/internal/reconcile"
	"github.com/tomtom215/syncward/internal/router"
	"github.com/tomtom215/syncward/internal/supervisor"
	"github.com/tomtom215/syncward/internal/supervisor/services"
	"github.com/tomtom215/syncward/internal/transport"
	"github.com/tomtom215/syncward/internal/websocket"
)

// Version is reported by the health endpoint. Overridden at link time.
var Version = "dev"

// Options adjust Build for tests and one-shot tools.
type Options struct {
	// InMemoryStore ignores store.path.
	InMemoryStore bool

	// HTTPClient replaces the transport's client.
	HTTPClient *http.Client

	// Registry receives every metric. A fresh registry is created when nil.
	Registry *prometheus.Registry
}

// App holds the wired components.
type App struct {
	Config    *config.Config
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Store     *queue.BadgerStore
	Compactor *queue.Compactor
	Lock      *lock.Lock
	Engine    *engine.Engine
	Hub       *websocket.Hub
	Mirror    *mirror.Mirror

	nats *mirror.EmbeddedServer
}

// Build opens the store and constructs every component. Nothing runs
// until the App is added to a supervisor tree or driven directly. Close
// must be called when Build succeeds.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(reg)

	a := &App{Config: cfg, Registry: reg, Metrics: m}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	storeOpts := queue.DefaultOptions(cfg.Store.Path)
	storeOpts.InMemory = opts.InMemoryStore
	storeOpts.SyncWrites = cfg.Store.SyncWrites
	storeOpts.GCRatio = cfg.Store.GCRatio
	storeOpts.Metrics = m
	if a.Store, err = queue.Open(storeOpts); err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	a.Compactor = queue.NewCompactor(a.Store, cfg.Store.CompactionInterval, cfg.Store.FailedRetention)

	routes, err := router.FromConfig(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("build routes: %w", err)
	}

	client, err := newTransport(cfg, opts.HTTPClient)
	if err != nil {
		return nil, err
	}

	strategies, err := reconcile.ParseFieldStrategies(cfg.Reconcile.FieldStrategies)
	if err != nil {
		return nil, fmt.Errorf("parse field strategies: %w", err)
	}
	reconciler := reconcile.New(client, reconcile.Config{
		MaxConflicts:    cfg.Engine.MaxConflicts,
		FieldStrategies: strategies,
	})

	brk := breaker.New(breaker.Config{
		Name:             "remote",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
	}, m, nil)

	if a.Lock, err = lock.New(a.Store, lock.Config{
		OwnerID:           cfg.Lock.OwnerID,
		StaleThreshold:    cfg.Lock.StaleThreshold,
		HeartbeatInterval: cfg.Lock.HeartbeatInterval,
	}, m, nil); err != nil {
		return nil, fmt.Errorf("create processing lock: %w", err)
	}

	if cfg.Mirror.Enabled {
		if err := a.startMirror(ctx, cfg.Mirror); err != nil {
			return nil, err
		}
	}

	if a.Engine, err = engine.New(engine.Deps{
		Store:      a.Store,
		Router:     routes,
		Transport:  client,
		Reconciler: reconciler,
		Breaker:    brk,
		Lock:       a.Lock,
		Metrics:    m,
		Mirror:     a.Mirror,
		Backoff:    backoff.New(cfg.Backoff.Base, cfg.Backoff.Max),
	}, engine.Options{
		MaxAttempts: cfg.Engine.MaxAttempts,
		IdleWait:    cfg.Engine.IdleWait,
	}); err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	a.Hub = websocket.NewHub()
	return a, nil
}

func newTransport(cfg *config.Config, httpClient *http.Client) (*transport.Client, error) {
	var refresher transport.Refresher
	if cfg.Transport.RefreshURL != "" {
		refresher = &transport.HTTPRefresher{
			URL:      cfg.Transport.RefreshURL,
			ClientID: cfg.Engine.ClientID,
			Client:   httpClient,
		}
	}
	tokens := transport.NewTokenSource(cfg.Transport.Token, refresher, cfg.Transport.ProactiveRefresh)

	client, err := transport.New(transport.Config{
		BaseURL:   cfg.Transport.BaseURL,
		Timeout:   cfg.Transport.Timeout,
		ClientID:  cfg.Engine.ClientID,
		UserAgent: cfg.Transport.UserAgent,
		RateLimit: cfg.Transport.RateLimit,
		RateBurst: cfg.Transport.RateBurst,
	}, tokens, httpClient)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	return client, nil
}

func (a *App) startMirror(ctx context.Context, cfg config.MirrorConfig) error {
	natsURL := cfg.URL
	if cfg.Embedded {
		srv, err := mirror.NewEmbeddedServer(mirror.ServerConfig{
			Port:     portOf(cfg.URL),
			StoreDir: cfg.StoreDir,
		})
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		a.nats = srv
		natsURL = srv.ClientURL()
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
	}

	pub, err := mirror.NewNATSPublisher(ctx, mirror.NATSConfig{
		URL:     natsURL,
		Subject: cfg.Subject,
	}, logging.NewWatermillAdapter("mirror"))
	if err != nil {
		return fmt.Errorf("create outcome mirror: %w", err)
	}
	a.Mirror = mirror.New(pub, cfg.Timeout, a.Metrics)
	logging.Info().Str("subject", cfg.Subject).Msg("outcome mirror enabled")
	return nil
}

// portOf returns the port of a nats:// URL, or -1 for a random one.
func portOf(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return -1
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return -1
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return -1
	}
	return p
}

// Handler returns the admin HTTP handler. It registers the admin request
// metrics, so it is called once per registry.
func (a *App) Handler() http.Handler {
	return api.NewRouter(api.Config{
		CORSOrigins: a.Config.Admin.CORSOrigins,
		RateLimit:   a.Config.Admin.RateLimit,
		Version:     Version,
	}, api.Deps{
		Engine:     a.Engine,
		Store:      a.Store,
		Hub:        a.Hub,
		Gatherer:   a.Registry,
		Registerer: a.Registry,
	})
}

// Supervise adds every long-running component to tree.
func (a *App) Supervise(tree *supervisor.SupervisorTree) {
	tree.AddDataService(services.NewStartStopService("queue-compactor", a.Compactor))
	tree.AddDataService(a.Lock)

	tree.AddSyncService(a.Engine)
	if a.Mirror != nil {
		var srv services.EmbeddedServer
		if a.nats != nil {
			srv = a.nats
		}
		tree.AddSyncService(services.NewMirrorService(a.Mirror, srv, 10*time.Second))
	}

	if a.Config.Admin.Enabled {
		tree.AddAPIService(a.Hub)
		tree.AddAPIService(websocket.NewWatchPump(a.Store, a.Hub))
		tree.AddAPIService(services.NewHTTPServerService(&http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}, a.Config.Admin.ListenAddr, 10*time.Second))
	}
}

// Close releases what the tree does not own: the mirror and embedded NATS
// when they never ran under supervision, and the store.
func (a *App) Close() error {
	return a.closeResources()
}

func (a *App) closeResources() error {
	var errs []error
	if err := a.Mirror.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close mirror: %w", err))
	}
	if a.nats != nil && a.nats.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.nats.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown embedded NATS: %w", err))
		}
		cancel()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
