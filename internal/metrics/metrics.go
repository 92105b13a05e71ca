// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package metrics holds the Prometheus instruments of the sync engine.
//
// A Collector registers into the registry it is given instead of the
// global default, so several engines (or tests) can coexist in one
// process. Label values are limited to op type, entity type and failure
// class; payload data never becomes a label.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "syncward"

// Circuit state gauge values.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// Collector owns every engine metric. A nil *Collector is valid and
// records nothing.
type Collector struct {
	enqueued          *prometheus.CounterVec
	processed         *prometheus.CounterVec
	failed            *prometheus.CounterVec
	retried           *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	circuitTripped    prometheus.Counter
	lockTakeovers     prometheus.Counter
	pendingDepth      prometheus.Gauge
	circuitState      prometheus.Gauge
	latency           prometheus.Histogram

	coalesced         *prometheus.CounterVec
	corruptEntries    prometheus.Counter
	indexRebuilds     prometheus.Counter
	mirrorFailures    prometheus.Counter
	heartbeatFailures prometheus.Counter
	failedPurged      prometheus.Counter
	handlerPanics     *prometheus.CounterVec
	watchDropped      prometheus.Counter
}

// New creates a Collector registered with reg. Passing
// prometheus.NewRegistry() isolates the instruments.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	opLabels := []string{"op_type", "entity_type"}

	return &Collector{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_total",
			Help:      "Operations accepted into the pending queue",
		}, opLabels),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "Operations successfully applied remotely and dequeued",
		}, opLabels),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Operations moved to the failed archive",
		}, append(opLabels, "class")),
		retried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retried_total",
			Help:      "Transient failures rescheduled with backoff",
		}, opLabels),
		conflictsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Version conflicts resolved by the reconciler",
		}, []string{"op_type"}),
		circuitTripped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_tripped_total",
			Help:      "Times the circuit breaker opened",
		}),
		lockTakeovers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_takeovers_total",
			Help:      "Stale processing locks taken over by this process",
		}),
		pendingDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_depth",
			Help:      "Operations currently pending",
		}),
		circuitState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_latency_ms",
			Help:      "Latency of remote calls made for pending operations, in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		coalesced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_total",
			Help:      "Enqueued operations merged into or collapsing pending ones",
		}, []string{"kind"}),
		corruptEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_entries_total",
			Help:      "Undecodable pending entries moved to the failed archive",
		}),
		indexRebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_rebuilds_total",
			Help:      "Times the pending index was rebuilt from the pending set",
		}),
		mirrorFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_failures_total",
			Help:      "Outcome events that could not be mirrored",
		}),
		heartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Processing lock heartbeats that failed to persist",
		}),
		failedPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_purged_total",
			Help:      "Failed archive entries removed by retention",
		}),
		handlerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_handler_panics_total",
			Help:      "Optimistic update handlers that panicked and were recovered",
		}, []string{"handler"}),
		watchDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_dropped_total",
			Help:      "Queue change events dropped for a slow watcher",
		}),
	}
}

func (c *Collector) RecordEnqueued(opType, entityType string) {
	if c == nil {
		return
	}
	c.enqueued.WithLabelValues(opType, entityType).Inc()
}

func (c *Collector) RecordProcessed(opType, entityType string) {
	if c == nil {
		return
	}
	c.processed.WithLabelValues(opType, entityType).Inc()
}

func (c *Collector) RecordFailed(opType, entityType, class string) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(opType, entityType, class).Inc()
}

func (c *Collector) RecordRetried(opType, entityType string) {
	if c == nil {
		return
	}
	c.retried.WithLabelValues(opType, entityType).Inc()
}

func (c *Collector) RecordConflictResolved(opType string) {
	if c == nil {
		return
	}
	c.conflictsResolved.WithLabelValues(opType).Inc()
}

func (c *Collector) RecordCircuitTripped() {
	if c == nil {
		return
	}
	c.circuitTripped.Inc()
}

func (c *Collector) SetCircuitState(state float64) {
	if c == nil {
		return
	}
	c.circuitState.Set(state)
}

func (c *Collector) RecordLockTakeover() {
	if c == nil {
		return
	}
	c.lockTakeovers.Inc()
}

func (c *Collector) SetPendingDepth(n int) {
	if c == nil {
		return
	}
	c.pendingDepth.Set(float64(n))
}

// ObserveLatency records one remote call duration.
func (c *Collector) ObserveLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.latency.Observe(float64(d) / float64(time.Millisecond))
}

// RecordCoalesced counts a coalescing decision; kind is merged, collapsed
// or superseded.
func (c *Collector) RecordCoalesced(kind string) {
	if c == nil {
		return
	}
	c.coalesced.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordCorruptEntry() {
	if c == nil {
		return
	}
	c.corruptEntries.Inc()
}

func (c *Collector) RecordIndexRebuild() {
	if c == nil {
		return
	}
	c.indexRebuilds.Inc()
}

func (c *Collector) RecordMirrorFailure() {
	if c == nil {
		return
	}
	c.mirrorFailures.Inc()
}

func (c *Collector) RecordHeartbeatFailure() {
	if c == nil {
		return
	}
	c.heartbeatFailures.Inc()
}

func (c *Collector) RecordFailedPurged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.failedPurged.Add(float64(n))
}

// RecordHandlerPanic counts a recovered optimistic handler panic; handler
// is on_success, rollback or on_error.
func (c *Collector) RecordHandlerPanic(handler string) {
	if c == nil {
		return
	}
	c.handlerPanics.WithLabelValues(handler).Inc()
}

func (c *Collector) RecordWatchDropped() {
	if c == nil {
		return
	}
	c.watchDropped.Inc()
}

// Snapshot is a point-in-time copy of the engine metrics, summed across
// labels.
type Snapshot struct {
	EnqueuedTotal          float64 `json:"enqueued_total"`
	ProcessedTotal         float64 `json:"processed_total"`
	FailedTotal            float64 `json:"failed_total"`
	RetriedTotal           float64 `json:"retried_total"`
	ConflictsResolvedTotal float64 `json:"conflicts_resolved_total"`
	CircuitTrippedTotal    float64 `json:"circuit_tripped_total"`
	LockTakeoversTotal     float64 `json:"lock_takeovers_total"`
	PendingDepth           float64 `json:"pending_depth"`
	CircuitState           float64 `json:"circuit_state"`
	LatencyCount           uint64  `json:"processing_latency_ms_count"`
	LatencySumMs           float64 `json:"processing_latency_ms_sum"`
	CoalescedTotal         float64 `json:"coalesced_total"`
	CorruptEntriesTotal    float64 `json:"corrupt_entries_total"`
	IndexRebuildsTotal     float64 `json:"index_rebuilds_total"`
	MirrorFailuresTotal    float64 `json:"mirror_failures_total"`
	HandlerPanicsTotal     float64 `json:"optimistic_handler_panics_total"`
	WatchDroppedTotal      float64 `json:"watch_dropped_total"`
}

// Snapshot reads the current values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	s := Snapshot{
		EnqueuedTotal:          sum(c.enqueued),
		ProcessedTotal:         sum(c.processed),
		FailedTotal:            sum(c.failed),
		RetriedTotal:           sum(c.retried),
		ConflictsResolvedTotal: sum(c.conflictsResolved),
		CircuitTrippedTotal:    sum(c.circuitTripped),
		LockTakeoversTotal:     sum(c.lockTakeovers),
		PendingDepth:           sum(c.pendingDepth),
		CircuitState:           sum(c.circuitState),
		CoalescedTotal:         sum(c.coalesced),
		CorruptEntriesTotal:    sum(c.corruptEntries),
		IndexRebuildsTotal:     sum(c.indexRebuilds),
		MirrorFailuresTotal:    sum(c.mirrorFailures),
		HandlerPanicsTotal:     sum(c.handlerPanics),
		WatchDroppedTotal:      sum(c.watchDropped),
	}
	var m dto.Metric
	if err := c.latency.Write(&m); err == nil && m.Histogram != nil {
		s.LatencyCount = m.Histogram.GetSampleCount()
		s.LatencySumMs = m.Histogram.GetSampleSum()
	}
	return s
}

// sum adds up every counter or gauge series a collector exposes.
func sum(col prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		col.Collect(ch)
		close(ch)
	}()

	var total float64
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		}
	}
	return total
}
