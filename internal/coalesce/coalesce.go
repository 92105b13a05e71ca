// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package coalesce merges redundant operations for one entity before they
// are persisted.
//
// Only operations that were never dispatched are merge targets. Once the
// engine marks an operation dispatched it may already have reached the
// remote service, so later operations queue behind it untouched.
//
// Rules, applied against the newest pending operations of the entity:
//
//	UPDATE onto undispatched UPDATE/CREATE   fields merge into the older op
//	DELETE onto undispatched CREATE          whole lifecycle collapses
//	DELETE onto undispatched UPDATEs         updates are superseded
//	DELETE onto undispatched DELETE          tokens merge, nothing new queued
//	anything else                            appended unchanged
package coalesce

import (
	"sort"

	"github.com/tomtom215/syncward/internal/operation"
)

// Kind names what the coalescer did. It is used as a metric label.
type Kind string

const (
	KindAppended   Kind = "appended"
	KindMerged     Kind = "merged"
	KindCollapsed  Kind = "collapsed"
	KindSuperseded Kind = "superseded"
)

// Plan is the store change that enqueues an operation.
type Plan struct {
	Kind Kind

	// Delete lists pending operations to remove.
	Delete []string

	// Put is the operation to persist. It is nil when the incoming
	// operation was dropped.
	Put *operation.Operation

	// Dropped is true when nothing needs to reach the server.
	Dropped bool

	// Commit lists txn tokens that are resolved by the plan itself and
	// should be committed in the optimistic ledger.
	Commit []string

	// Guard lists every pending operation the plan was computed from that
	// must still be undispatched when the plan is applied.
	Guard []string
}

// Coalesce plans how incoming joins pending, the operations currently
// queued for the same entity. Neither argument is modified.
func Coalesce(pending []*operation.Operation, incoming *operation.Operation) Plan {
	ops := sameEntity(pending, incoming)

	switch incoming.OpType {
	case operation.Update:
		return coalesceUpdate(ops, incoming)
	case operation.Delete:
		return coalesceDelete(ops, incoming)
	default:
		return appendPlan(incoming)
	}
}

func sameEntity(pending []*operation.Operation, incoming *operation.Operation) []*operation.Operation {
	key := incoming.EntityKey()
	out := make([]*operation.Operation, 0, len(pending))
	for _, op := range pending {
		if op != nil && op.EntityKey() == key && op.ID != incoming.ID {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return operation.Less(out[i], out[j]) })
	return out
}

func appendPlan(op *operation.Operation) Plan {
	return Plan{Kind: KindAppended, Put: op.Clone()}
}

func coalesceUpdate(ops []*operation.Operation, incoming *operation.Operation) Plan {
	if len(ops) == 0 {
		return appendPlan(incoming)
	}
	target := ops[len(ops)-1]
	if target.Dispatched() || (target.OpType != operation.Update && target.OpType != operation.Create) {
		return appendPlan(incoming)
	}

	merged := target.Clone()
	if merged.Payload == nil {
		merged.Payload = make(map[string]any, len(incoming.Payload))
	}
	for k, v := range incoming.Payload {
		merged.Payload[k] = v
	}
	merged.TxnTokens = appendTokens(merged.TxnTokens, incoming.TxnTokens)

	// A CREATE has no version; an UPDATE keeps the one its base was read at.
	if merged.OpType == operation.Update && merged.Version == nil && incoming.Version != nil {
		v := *incoming.Version
		merged.Version = &v
		merged.Base = cloneMap(incoming.Base)
	}

	return Plan{
		Kind:  KindMerged,
		Put:   merged,
		Guard: []string{target.ID},
	}
}

func coalesceDelete(ops []*operation.Operation, incoming *operation.Operation) Plan {
	// The newest undispatched CREATE never reached the server; it and
	// everything queued after it vanish together with the DELETE.
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Dispatched() {
			break
		}
		if op.OpType != operation.Create {
			continue
		}
		plan := Plan{Kind: KindCollapsed, Dropped: true}
		for _, removed := range ops[i:] {
			plan.Delete = append(plan.Delete, removed.ID)
			plan.Commit = appendTokens(plan.Commit, removed.TxnTokens)
		}
		plan.Commit = appendTokens(plan.Commit, incoming.TxnTokens)
		plan.Guard = append([]string(nil), plan.Delete...)
		return plan
	}

	// Undispatched tail of the queue for this entity.
	start := len(ops)
	for start > 0 && !ops[start-1].Dispatched() {
		start--
	}
	tail := ops[start:]

	for _, op := range tail {
		if op.OpType == operation.Delete {
			merged := op.Clone()
			merged.TxnTokens = appendTokens(merged.TxnTokens, incoming.TxnTokens)
			return Plan{Kind: KindMerged, Put: merged, Guard: []string{op.ID}}
		}
	}

	var superseded []*operation.Operation
	for _, op := range tail {
		if op.OpType == operation.Update {
			superseded = append(superseded, op)
		}
	}
	if len(superseded) == 0 {
		return appendPlan(incoming)
	}

	out := incoming.Clone()
	var tokens []string
	plan := Plan{Kind: KindSuperseded}
	for _, op := range superseded {
		plan.Delete = append(plan.Delete, op.ID)
		tokens = appendTokens(tokens, op.TxnTokens)
		if out.Version == nil && op.Version != nil {
			v := *op.Version
			out.Version = &v
		}
	}
	out.TxnTokens = appendTokens(tokens, incoming.TxnTokens)
	plan.Put = out
	plan.Guard = append([]string(nil), plan.Delete...)
	return plan
}

// appendTokens appends add to dst, skipping tokens already present.
func appendTokens(dst, add []string) []string {
	for _, t := range add {
		dup := false
		for _, have := range dst {
			if have == t {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, t)
		}
	}
	return dst
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
