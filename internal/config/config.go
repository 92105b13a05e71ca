// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package config loads Syncward configuration from built-in defaults, an
// optional YAML file and SYNCWARD_* environment variables, in that order of
// increasing precedence.
package config

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Config is the complete daemon configuration.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Transport TransportConfig `koanf:"transport"`
	Backoff   BackoffConfig   `koanf:"backoff"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Lock      LockConfig      `koanf:"lock"`
	Store     StoreConfig     `koanf:"store"`
	Routes    []RouteConfig   `koanf:"routes"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
	Mirror    MirrorConfig    `koanf:"mirror"`
	Admin     AdminConfig     `koanf:"admin"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// EngineConfig tunes the processing loop.
type EngineConfig struct {
	// ClientID is sent as X-Client-ID on every request.
	ClientID string `koanf:"client_id"`

	// MaxAttempts turns transient failures into fatal ones once reached.
	// 0 means retry forever.
	MaxAttempts int `koanf:"max_attempts"`

	// IdleWait bounds how long the loop sleeps with nothing to do before
	// re-checking the lock and the queue.
	IdleWait time.Duration `koanf:"idle_wait"`

	// MaxConflicts bounds how many 409 round-trips one operation may take
	// before reconciliation gives up.
	MaxConflicts int `koanf:"max_conflicts"`
}

// TransportConfig configures calls to the remote service.
type TransportConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	Token     string        `koanf:"token"`
	UserAgent string        `koanf:"user_agent"`

	// RefreshURL is POSTed to on 401. Empty disables refresh.
	RefreshURL string `koanf:"refresh_url"`

	// ProactiveRefresh refreshes JWT bearer tokens whose exp claim has
	// passed before sending, instead of waiting for a 401.
	ProactiveRefresh bool `koanf:"proactive_refresh"`

	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	Base time.Duration `koanf:"base"`
	Max  time.Duration `koanf:"max"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Window           time.Duration `koanf:"window"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

// LockConfig configures the processing lock.
type LockConfig struct {
	OwnerID           string        `koanf:"owner_id"`
	StaleThreshold    time.Duration `koanf:"stale_threshold"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// StoreConfig configures the badger-backed queue store.
type StoreConfig struct {
	Path               string        `koanf:"path"`
	SyncWrites         bool          `koanf:"sync_writes"`
	FailedRetention    time.Duration `koanf:"failed_retention"`
	CompactionInterval time.Duration `koanf:"compaction_interval"`
	GCRatio            float64       `koanf:"gc_ratio"`
}

// RouteConfig overrides the default REST mapping for one operation kind.
type RouteConfig struct {
	OpType     string `koanf:"op_type"`
	EntityType string `koanf:"entity_type"`
	Method     string `koanf:"method"`
	Path       string `koanf:"path"`
	FetchPath  string `koanf:"fetch_path"`
}

// ReconcileConfig configures conflict resolution.
type ReconcileConfig struct {
	// FieldStrategies maps entity type, then field name, to client_wins,
	// server_wins or last_write_wins. Unlisted fields are client_wins.
	FieldStrategies map[string]map[string]string `koanf:"field_strategies"`
}

// MirrorConfig configures outcome mirroring to NATS.
type MirrorConfig struct {
	Enabled  bool          `koanf:"enabled"`
	URL      string        `koanf:"url"`
	Subject  string        `koanf:"subject"`
	Embedded bool          `koanf:"embedded"`
	StoreDir string        `koanf:"store_dir"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Enabled     bool     `koanf:"enabled"`
	ListenAddr  string   `koanf:"listen_addr"`
	CORSOrigins []string `koanf:"cors_origins"`
	// RateLimit is requests per minute per client IP.
	RateLimit int `koanf:"rate_limit"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level          string `koanf:"level"`
	Format         string `koanf:"format"`
	Caller         bool   `koanf:"caller"`
	RedactPayloads bool   `koanf:"redact_payloads"`
}

// defaultConfig returns the built-in defaults, the lowest config layer.
func defaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			ClientID:     "syncward",
			MaxAttempts:  0,
			IdleWait:     30 * time.Second,
			MaxConflicts: 3,
		},
		Transport: TransportConfig{
			Timeout:   30 * time.Second,
			UserAgent: "syncward/1.0",
			RateBurst: 1,
		},
		Backoff: BackoffConfig{
			Base: time.Second,
			Max:  5 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 10,
			Window:           60 * time.Second,
			Cooldown:         60 * time.Second,
		},
		Lock: LockConfig{
			OwnerID:           defaultOwnerID(),
			StaleThreshold:    2 * time.Minute,
			HeartbeatInterval: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:               "/data/syncward",
			SyncWrites:         true,
			FailedRetention:    7 * 24 * time.Hour,
			CompactionInterval: time.Hour,
			GCRatio:            0.5,
		},
		Mirror: MirrorConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Subject:  "syncward.outcomes",
			Embedded: false,
			StoreDir: "/data/syncward-nats",
			Timeout:  5 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:     true,
			ListenAddr:  "127.0.0.1:8470",
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   300,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			RedactPayloads: true,
		},
	}
}

// defaultOwnerID identifies this process as a lock owner. The random
// suffix keeps two processes on one host distinct.
func defaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "syncward"
	}
	return host + "-" + uuid.New().String()[:8]
}
