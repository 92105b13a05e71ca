// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/syncward/internal/logging"
)

// Compactor periodically purges expired entries from the failed archive
// and reclaims badger value log space.
type Compactor struct {
	store     *BadgerStore
	interval  time.Duration
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	lastRun    time.Time
	lastPurged int
	lsm, vlog  int64
}

// CompactorStats reports the outcome of the most recent run.
type CompactorStats struct {
	LastRun    time.Time `json:"last_run"`
	LastPurged int       `json:"last_purged"`
	LSMBytes   int64     `json:"lsm_bytes"`
	VlogBytes  int64     `json:"vlog_bytes"`
}

// NewCompactor creates a compactor. A zero retention keeps failed entries
// forever.
func NewCompactor(store *BadgerStore, interval, retention time.Duration) *Compactor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Compactor{
		store:     store,
		interval:  interval,
		retention: retention,
	}
}

// Start begins the background loop.
func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	logging.Info().
		Dur("interval", c.interval).
		Dur("retention", c.retention).
		Msg("queue compactor started")
	return nil
}

// Stop cancels the loop and waits for an in-progress run to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	logging.Info().Msg("queue compactor stopped")
}

func (c *Compactor) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.compact(c.ctx)
		}
	}
}

func (c *Compactor) compact(ctx context.Context) int {
	start := time.Now()
	purged := 0

	if c.retention > 0 {
		n, err := c.store.PurgeFailedBefore(ctx, c.store.now().Add(-c.retention))
		if err != nil {
			logging.Error().Err(err).Msg("failed archive purge failed")
		}
		purged = n
		c.store.metrics.RecordFailedPurged(n)
	}

	if err := c.store.RunGC(); err != nil {
		logging.Error().Err(err).Msg("queue store GC error")
	}
	lsm, vlog := c.store.Size()

	c.mu.Lock()
	c.lastRun = time.Now()
	c.lastPurged = purged
	c.lsm, c.vlog = lsm, vlog
	c.mu.Unlock()

	logging.Debug().Int64("lsm_bytes", lsm).Int64("vlog_bytes", vlog).Msg("queue store size after compaction")

	if purged > 0 {
		logging.Info().
			Int("purged", purged).
			Dur("duration", time.Since(start)).
			Msg("queue compaction removed failed entries")
	}
	return purged
}

// RunNow performs one compaction immediately and returns the number of
// failed entries purged.
func (c *Compactor) RunNow(ctx context.Context) int {
	return c.compact(ctx)
}

func (c *Compactor) Stats() CompactorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CompactorStats{LastRun: c.lastRun, LastPurged: c.lastPurged, LSMBytes: c.lsm, VlogBytes: c.vlog}
}
