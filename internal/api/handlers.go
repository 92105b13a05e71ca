// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/syncward/internal/coalesce"
	"github.com/tomtom215/syncward/internal/engine"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/metrics"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/queue"
	"github.com/tomtom215/syncward/internal/validation"
)

// Engine is the part of the sync engine the admin API drives.
type Engine interface {
	Enqueue(ctx context.Context, op *operation.Operation) (coalesce.Plan, error)
	Status(ctx context.Context) (engine.Status, error)
	MetricsSnapshot() metrics.Snapshot
	Wake()
}

// Store is the read and archive surface of the queue.
type Store interface {
	ScanPendingOrderedByCreation(ctx context.Context) ([]*operation.Operation, error)
	Get(ctx context.Context, id string) (*operation.Operation, error)
	ListFailed(ctx context.Context, limit, offset int) ([]*operation.FailedOperation, int, error)
	GetFailed(ctx context.Context, id string) (*operation.FailedOperation, error)
	Requeue(ctx context.Context, id string) (*operation.Operation, error)
	DeleteFailed(ctx context.Context, id string) error
}

// Handler serves the admin endpoints.
type Handler struct {
	engine    Engine
	store     Store
	startTime time.Time
	version   string
}

// NewHandler builds a handler over the engine and its store.
func NewHandler(eng Engine, store Store, version string) *Handler {
	return &Handler{engine: eng, store: store, startTime: time.Now(), version: version}
}

// OperationView is an operation as the admin API shows it, with payload
// values redacted unless redaction was turned off.
type OperationView struct {
	operation.Operation
	Ready bool `json:"ready"`
}

// FailedView is an archived operation. Corrupt entries report only the size
// of their raw bytes.
type FailedView struct {
	Operation OperationView       `json:"operation"`
	Error     operation.ErrorInfo `json:"error"`
	FailedAt  time.Time           `json:"failed_at"`
	RawSize   int                 `json:"raw_size,omitempty"`
}

// EnqueueResponse reports how a submitted operation was coalesced.
type EnqueueResponse struct {
	ID       string   `json:"id"`
	Coalesce string   `json:"coalesce"`
	Dropped  bool     `json:"dropped"`
	Removed  []string `json:"removed,omitempty"`
	QueuedID string   `json:"queued_id,omitempty"`
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

// StatusResponse combines the engine status with the metric counters.
type StatusResponse struct {
	Engine  engine.Status    `json:"engine"`
	Metrics metrics.Snapshot `json:"metrics"`
}

func viewOf(op *operation.Operation, now time.Time) OperationView {
	v := OperationView{Operation: *op, Ready: op.Ready(now)}
	v.Payload = logging.RedactPayload(op.Payload)
	v.Base = logging.RedactPayload(op.Base)
	return v
}

func failedViewOf(f *operation.FailedOperation, now time.Time) FailedView {
	return FailedView{
		Operation: viewOf(&f.Operation, now),
		Error:     f.Error,
		FailedAt:  f.FailedAt,
		RawSize:   len(f.Raw),
	}
}

// Health answers liveness checks.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Status reports lock ownership, breaker state, queue depth and counters.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		respondError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "Engine status unavailable", err)
		return
	}
	respondData(w, r, http.StatusOK, StatusResponse{Engine: st, Metrics: h.engine.MetricsSnapshot()})
}

// ListPending pages through the pending queue in creation order.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	page, verr := parsePage(r)
	if verr != nil {
		respondAPIError(w, r, http.StatusBadRequest, toAPIError(verr))
		return
	}

	ops, err := h.store.ScanPendingOrderedByCreation(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to read queue", err)
		return
	}

	total := len(ops)
	start := min(page.Offset, total)
	end := min(start+page.Limit, total)
	now := time.Now()
	views := make([]OperationView, 0, end-start)
	for _, op := range ops[start:end] {
		views = append(views, viewOf(op, now))
	}
	respondPage(w, r, views, total, page.Limit, page.Offset)
}

// GetPending returns one pending operation.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.store.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "Operation not found", nil)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to read operation", err)
		return
	}
	respondData(w, r, http.StatusOK, viewOf(op, time.Now()))
}

// Enqueue validates and queues an operation through the engine.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, r, http.StatusRequestEntityTooLarge, CodeBadRequest, "Request body too large", nil)
		return
	}

	var req EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "Request body is not valid JSON", nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondAPIError(w, r, http.StatusBadRequest, toAPIError(verr))
		return
	}

	op, err := req.Operation()
	if err != nil {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, logging.SanitizeError(err), nil)
		return
	}

	plan, err := h.engine.Enqueue(r.Context(), op)
	switch {
	case errors.Is(err, operation.ErrInvalid), errors.Is(err, operation.ErrUnknownOpType):
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, logging.SanitizeError(err), nil)
		return
	case errors.Is(err, queue.ErrStale):
		respondError(w, r, http.StatusConflict, CodeConflict, "Queue changed while enqueueing, retry the request", err)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to enqueue operation", err)
		return
	}

	resp := EnqueueResponse{
		ID:       op.ID,
		Coalesce: string(plan.Kind),
		Dropped:  plan.Dropped,
		Removed:  plan.Delete,
	}
	if plan.Put != nil {
		resp.QueuedID = plan.Put.ID
	}
	status := http.StatusAccepted
	if plan.Dropped {
		status = http.StatusOK
	}
	respondData(w, r, status, resp)
}

// ListFailed pages through the failed archive.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	page, verr := parsePage(r)
	if verr != nil {
		respondAPIError(w, r, http.StatusBadRequest, toAPIError(verr))
		return
	}

	failed, total, err := h.store.ListFailed(r.Context(), page.Limit, page.Offset)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to read failed operations", err)
		return
	}
	now := time.Now()
	views := make([]FailedView, 0, len(failed))
	for _, f := range failed {
		views = append(views, failedViewOf(f, now))
	}
	respondPage(w, r, views, total, page.Limit, page.Offset)
}

// GetFailed returns one archived operation.
func (h *Handler) GetFailed(w http.ResponseWriter, r *http.Request) {
	f, err := h.store.GetFailed(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "Failed operation not found", nil)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to read failed operation", err)
		return
	}
	respondData(w, r, http.StatusOK, failedViewOf(f, time.Now()))
}

// Requeue moves an archived operation back to the pending queue with fresh
// retry state and wakes the engine.
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	op, err := h.store.Requeue(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		respondError(w, r, http.StatusNotFound, CodeNotFound, "Failed operation not found", nil)
		return
	case errors.Is(err, queue.ErrCorruptEntry):
		respondError(w, r, http.StatusConflict, CodeConflict, "Corrupt entries cannot be requeued", nil)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to requeue operation", err)
		return
	}

	h.engine.Wake()
	logging.Ctx(r.Context()).Info().
		Str("operation_id", op.ID).
		Str("entity_type", op.EntityType).
		Msg("operation requeued")
	respondData(w, r, http.StatusOK, viewOf(op, time.Now()))
}

// DeleteFailed discards an archived operation.
func (h *Handler) DeleteFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.DeleteFailed(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "Failed operation not found", nil)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "Failed to delete operation", err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("operation_id", sanitizeLogValue(id)).Msg("failed operation discarded")
	respondData(w, r, http.StatusOK, map[string]string{"id": id})
}
