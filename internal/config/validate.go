// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error for %s: %s", e.Field, e.Message)
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{"json": true, "console": true}

var validRouteMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

var validOpTypes = map[string]bool{"CREATE": true, "UPDATE": true, "DELETE": true}

var validFieldStrategies = map[string]bool{
	"client_wins": true, "server_wins": true, "last_write_wins": true,
}

// Validate checks the configuration and returns the first problem found
// as a *ValidationError.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateEngine,
		c.validateTransport,
		c.validateBackoff,
		c.validateBreaker,
		c.validateLock,
		c.validateStore,
		c.validateRoutes,
		c.validateReconcile,
		c.validateMirror,
		c.validateAdmin,
		c.validateLogging,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.ClientID == "" {
		return &ValidationError{Field: "engine.client_id", Message: "must not be empty"}
	}
	if c.Engine.MaxAttempts < 0 {
		return &ValidationError{Field: "engine.max_attempts", Message: "must be >= 0"}
	}
	if c.Engine.IdleWait <= 0 {
		return &ValidationError{Field: "engine.idle_wait", Message: "must be positive"}
	}
	if c.Engine.MaxConflicts < 1 {
		return &ValidationError{Field: "engine.max_conflicts", Message: "must be >= 1"}
	}
	return nil
}

func (c *Config) validateTransport() error {
	if err := validateHTTPURL(c.Transport.BaseURL, "transport.base_url", true); err != nil {
		return err
	}
	if c.Transport.RefreshURL != "" {
		if err := validateHTTPURL(c.Transport.RefreshURL, "transport.refresh_url", false); err != nil {
			return err
		}
	}
	if c.Transport.Timeout <= 0 {
		return &ValidationError{Field: "transport.timeout", Message: "must be positive"}
	}
	if c.Transport.RateLimit < 0 {
		return &ValidationError{Field: "transport.rate_limit", Message: "must be >= 0"}
	}
	if c.Transport.RateLimit > 0 && c.Transport.RateBurst < 1 {
		return &ValidationError{Field: "transport.rate_burst", Message: "must be >= 1 when rate_limit is set"}
	}
	return nil
}

func (c *Config) validateBackoff() error {
	if c.Backoff.Base <= 0 {
		return &ValidationError{Field: "backoff.base", Message: "must be positive"}
	}
	if c.Backoff.Max < c.Backoff.Base {
		return &ValidationError{Field: "backoff.max", Message: "must be >= backoff.base"}
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold < 1 {
		return &ValidationError{Field: "breaker.failure_threshold", Message: "must be >= 1"}
	}
	if c.Breaker.Window <= 0 {
		return &ValidationError{Field: "breaker.window", Message: "must be positive"}
	}
	if c.Breaker.Cooldown <= 0 {
		return &ValidationError{Field: "breaker.cooldown", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateLock() error {
	if c.Lock.OwnerID == "" {
		return &ValidationError{Field: "lock.owner_id", Message: "must not be empty"}
	}
	if c.Lock.HeartbeatInterval <= 0 {
		return &ValidationError{Field: "lock.heartbeat_interval", Message: "must be positive"}
	}
	// A few missed heartbeats must not be mistaken for a dead owner.
	if c.Lock.HeartbeatInterval*5 > c.Lock.StaleThreshold {
		return &ValidationError{
			Field:   "lock.stale_threshold",
			Message: fmt.Sprintf("must be at least 5x heartbeat_interval (%s)", c.Lock.HeartbeatInterval*5),
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Path == "" {
		return &ValidationError{Field: "store.path", Message: "must not be empty"}
	}
	if c.Store.FailedRetention <= 0 {
		return &ValidationError{Field: "store.failed_retention", Message: "must be positive"}
	}
	if c.Store.CompactionInterval <= 0 {
		return &ValidationError{Field: "store.compaction_interval", Message: "must be positive"}
	}
	if c.Store.GCRatio <= 0 || c.Store.GCRatio >= 1 {
		return &ValidationError{Field: "store.gc_ratio", Message: "must be between 0 and 1 exclusive"}
	}
	return nil
}

func (c *Config) validateRoutes() error {
	for i, r := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if !validOpTypes[strings.ToUpper(r.OpType)] {
			return &ValidationError{Field: field + ".op_type", Message: "must be CREATE, UPDATE or DELETE"}
		}
		if r.EntityType == "" {
			return &ValidationError{Field: field + ".entity_type", Message: "must not be empty"}
		}
		if !validRouteMethods[strings.ToUpper(r.Method)] {
			return &ValidationError{Field: field + ".method", Message: "must be POST, PUT, PATCH or DELETE"}
		}
		if !strings.HasPrefix(r.Path, "/") {
			return &ValidationError{Field: field + ".path", Message: "must start with /"}
		}
		if r.FetchPath != "" && !strings.HasPrefix(r.FetchPath, "/") {
			return &ValidationError{Field: field + ".fetch_path", Message: "must start with /"}
		}
	}
	return nil
}

func (c *Config) validateReconcile() error {
	for entity, fields := range c.Reconcile.FieldStrategies {
		for field, strategy := range fields {
			if !validFieldStrategies[strategy] {
				return &ValidationError{
					Field:   "reconcile.field_strategies." + entity + "." + field,
					Message: "must be client_wins, server_wins or last_write_wins",
				}
			}
		}
	}
	return nil
}

func (c *Config) validateMirror() error {
	if !c.Mirror.Enabled {
		return nil
	}
	if c.Mirror.Subject == "" {
		return &ValidationError{Field: "mirror.subject", Message: "must not be empty when mirroring is enabled"}
	}
	if c.Mirror.Timeout <= 0 {
		return &ValidationError{Field: "mirror.timeout", Message: "must be positive"}
	}
	if c.Mirror.Embedded {
		if c.Mirror.StoreDir == "" {
			return &ValidationError{Field: "mirror.store_dir", Message: "required for the embedded server"}
		}
		return nil
	}
	u, err := url.Parse(c.Mirror.URL)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "mirror.url", Message: "must be a valid nats:// URL"}
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
		return nil
	default:
		return &ValidationError{Field: "mirror.url", Message: "scheme must be nats, tls, ws or wss"}
	}
}

func (c *Config) validateAdmin() error {
	if !c.Admin.Enabled {
		return nil
	}
	if c.Admin.ListenAddr == "" {
		return &ValidationError{Field: "admin.listen_addr", Message: "must not be empty"}
	}
	if c.Admin.RateLimit < 0 {
		return &ValidationError{Field: "admin.rate_limit", Message: "must be >= 0"}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !validLogLevels[c.Logging.Level] {
		return &ValidationError{Field: "logging.level", Message: "must be one of: trace, debug, info, warn, error"}
	}
	if c.Logging.Format != "" && !validLogFormats[c.Logging.Format] {
		return &ValidationError{Field: "logging.format", Message: "must be one of: json, console"}
	}
	return nil
}

// validateHTTPURL checks for an http(s) URL with a host. Base URLs may carry
// a path prefix but no query.
func validateHTTPURL(rawURL, field string, required bool) error {
	if rawURL == "" {
		if required {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return &ValidationError{Field: field, Message: fmt.Sprintf("failed to parse URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: field, Message: "scheme must be http or https, got: " + u.Scheme}
	}
	if u.Host == "" {
		return &ValidationError{Field: field, Message: "host is required"}
	}
	if u.RawQuery != "" {
		return &ValidationError{Field: field, Message: "must not contain query parameters"}
	}
	return nil
}
