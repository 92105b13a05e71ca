// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package reconcile resolves version conflicts reported by the remote
// service.
//
// Conflict policy lives in one table keyed by op type:
//
//	CREATE  success if the server already holds an equivalent resource
//	UPDATE  three-way merge against the server state, then retry
//	DELETE  success if the resource is already gone
//
// Anything the table cannot decide safely is fatal.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/transport"
)

// Outcome is the reconciler's verdict.
type Outcome string

const (
	// OutcomeSuccess means the remote side already reflects the operation.
	OutcomeSuccess Outcome = "success"
	// OutcomeRetry means Decision.Op should be sent again immediately.
	OutcomeRetry Outcome = "retry"
	// OutcomeRetryLater means the server state could not be read because of
	// a transient failure; the original op is retried with backoff.
	OutcomeRetryLater Outcome = "retry_later"
	OutcomeFatal      Outcome = "fatal"
)

// Decision is the result of reconciling one conflict.
type Decision struct {
	Outcome    Outcome
	Op         *operation.Operation
	Reason     string
	RetryAfter *time.Duration
}

// FieldStrategy resolves a field changed both locally and remotely.
type FieldStrategy string

const (
	ClientWins    FieldStrategy = "client_wins"
	ServerWins    FieldStrategy = "server_wins"
	LastWriteWins FieldStrategy = "last_write_wins"
)

// Fetcher reads the authoritative state of an entity.
type Fetcher interface {
	Fetch(ctx context.Context, op *operation.Operation, path string) (*transport.Resource, error)
}

// Conflict is what the engine knows about a 409.
type Conflict struct {
	// Server is the state parsed from the 409 body, or nil.
	Server *transport.Resource
	// FetchPath reads the entity when the body is not enough.
	FetchPath string
}

// Strategy reconciles one op type.
type Strategy func(ctx context.Context, r *Reconciler, op *operation.Operation, c Conflict) Decision

// Config tunes reconciliation.
type Config struct {
	// MaxConflicts bounds how many conflicts one operation may go through.
	MaxConflicts int
	// FieldStrategies maps entity type, then field, to a strategy.
	FieldStrategies map[string]map[string]FieldStrategy
}

// Reconciler is safe for concurrent use once constructed.
type Reconciler struct {
	fetcher    Fetcher
	cfg        Config
	strategies map[operation.OpType]Strategy
}

// metadataFields are server bookkeeping that is never merged into a
// payload.
var metadataFields = map[string]bool{
	"id":         true,
	"version":    true,
	"created_at": true,
	"updated_at": true,
}

// New builds a reconciler with the standard strategy table.
func New(fetcher Fetcher, cfg Config) *Reconciler {
	if cfg.MaxConflicts <= 0 {
		cfg.MaxConflicts = 3
	}
	return &Reconciler{
		fetcher: fetcher,
		cfg:     cfg,
		strategies: map[operation.OpType]Strategy{
			operation.Create: reconcileCreate,
			operation.Update: reconcileUpdate,
			operation.Delete: reconcileDelete,
		},
	}
}

// ParseFieldStrategies converts configuration strings.
func ParseFieldStrategies(in map[string]map[string]string) (map[string]map[string]FieldStrategy, error) {
	out := make(map[string]map[string]FieldStrategy, len(in))
	for entity, fields := range in {
		out[entity] = make(map[string]FieldStrategy, len(fields))
		for field, s := range fields {
			fs := FieldStrategy(s)
			switch fs {
			case ClientWins, ServerWins, LastWriteWins:
			default:
				return nil, fmt.Errorf("unknown field strategy %q for %s.%s", s, entity, field)
			}
			out[entity][field] = fs
		}
	}
	return out, nil
}

// Reconcile decides what to do about a conflict on op. op is not modified.
func (r *Reconciler) Reconcile(ctx context.Context, op *operation.Operation, c Conflict) Decision {
	strategy, ok := r.strategies[op.OpType]
	if !ok {
		return fatal("no reconciliation strategy for %s", op.OpType)
	}
	d := strategy(ctx, r, op, c)

	logging.Ctx(ctx).Info().
		Str("operation_id", op.ID).
		Str("op_type", op.OpType.String()).
		Str("entity_type", op.EntityType).
		Str("outcome", string(d.Outcome)).
		Str("reason", d.Reason).
		Msg("conflict reconciled")
	return d
}

func fatal(format string, args ...any) Decision {
	return Decision{Outcome: OutcomeFatal, Reason: fmt.Sprintf(format, args...)}
}

// serverState returns the conflict body state if usable, otherwise fetches.
// A non-nil Decision means the caller must return it.
func (r *Reconciler) serverState(ctx context.Context, op *operation.Operation, c Conflict, needVersion bool) (*transport.Resource, *Decision) {
	if s := c.Server; s != nil && len(s.State) > 0 && (!needVersion || s.Version != nil) {
		return s, nil
	}
	return r.fetch(ctx, op, c)
}

func (r *Reconciler) fetch(ctx context.Context, op *operation.Operation, c Conflict) (*transport.Resource, *Decision) {
	if r.fetcher == nil || c.FetchPath == "" {
		d := fatal("server state unavailable and no fetcher configured")
		return nil, &d
	}
	res, err := r.fetcher.Fetch(ctx, op, c.FetchPath)
	if err != nil {
		if transport.IsRetryable(err) {
			d := Decision{Outcome: OutcomeRetryLater, Reason: logging.SanitizeError(err)}
			var te *transport.Error
			if errors.As(err, &te) {
				d.RetryAfter = te.RetryAfter
			}
			return nil, &d
		}
		d := fatal("fetch server state: %s", logging.SanitizeError(err))
		return nil, &d
	}
	return res, nil
}

func reconcileCreate(ctx context.Context, r *Reconciler, op *operation.Operation, c Conflict) Decision {
	server, d := r.serverState(ctx, op, c, false)
	if d != nil {
		return *d
	}
	if !server.Exists {
		return fatal("create conflicted but resource does not exist")
	}
	if len(op.Payload) == 0 {
		return fatal("create carries no fields to compare with the existing resource")
	}
	for k, v := range op.Payload {
		if sv, ok := server.State[k]; !ok || !equalValue(v, sv) {
			return fatal("existing resource differs in field %q", k)
		}
	}
	return Decision{Outcome: OutcomeSuccess, Reason: "equivalent resource already exists"}
}

func reconcileDelete(ctx context.Context, r *Reconciler, op *operation.Operation, c Conflict) Decision {
	server, d := r.fetch(ctx, op, c)
	if d != nil {
		return *d
	}
	if !server.Exists {
		return Decision{Outcome: OutcomeSuccess, Reason: "resource already deleted"}
	}
	return fatal("resource still exists after delete conflict")
}

func reconcileUpdate(ctx context.Context, r *Reconciler, op *operation.Operation, c Conflict) Decision {
	if op.ConflictCount+1 > r.cfg.MaxConflicts {
		return fatal("conflict limit %d reached", r.cfg.MaxConflicts)
	}
	server, d := r.serverState(ctx, op, c, true)
	if d != nil {
		return *d
	}
	if !server.Exists {
		return fatal("resource was deleted remotely")
	}
	if server.Version == nil {
		return fatal("server did not report a version")
	}

	merged, err := r.merge(op, server)
	if err != nil {
		return fatal("%s", err.Error())
	}

	next := op.Clone()
	next.Payload = merged
	v := *server.Version
	next.Version = &v
	next.Base = copyState(server.State)
	next.ConflictCount++
	return Decision{
		Outcome: OutcomeRetry,
		Op:      next,
		Reason:  fmt.Sprintf("merged onto server version %d", *server.Version),
	}
}

// merge performs the three-way merge of op.Payload against server, using
// op.Base as the common ancestor. Without a base every payload field is a
// local change.
func (r *Reconciler) merge(op *operation.Operation, server *transport.Resource) (map[string]any, error) {
	out := make(map[string]any, len(server.State)+len(op.Payload))
	for k, v := range server.State {
		if !metadataFields[k] {
			out[k] = v
		}
	}

	for field, local := range op.Payload {
		remote, onServer := server.State[field]
		base, inBase := op.Base[field]

		changedLocally := op.Base == nil || !inBase || !equalValue(local, base)
		if !changedLocally {
			// unchanged here; the server value already in out wins
			if !onServer {
				out[field] = local
			}
			continue
		}

		changedRemotely := onServer && !equalValue(remote, local) && (op.Base == nil || !inBase || !equalValue(remote, base))
		if !changedRemotely {
			out[field] = local
			continue
		}

		switch r.fieldStrategy(op.EntityType, field) {
		case ServerWins:
			out[field] = remote
		case LastWriteWins:
			if server.UpdatedAt.IsZero() {
				return nil, fmt.Errorf("field %q needs last-write-wins but server reported no updated_at", field)
			}
			if op.CreatedAt.After(server.UpdatedAt) {
				out[field] = local
			} else {
				out[field] = remote
			}
		default:
			out[field] = local
		}
	}
	return out, nil
}

func (r *Reconciler) fieldStrategy(entityType, field string) FieldStrategy {
	if fields, ok := r.cfg.FieldStrategies[entityType]; ok {
		if s, ok := fields[field]; ok {
			return s
		}
	}
	return ClientWins
}

// equalValue compares decoded JSON values by their canonical encoding, so
// 80 and 80.0 are equal.
func equalValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func copyState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !metadataFields[k] {
			out[k] = v
		}
	}
	return out
}
