// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package coalesce

import (
	"testing"
	"time"

	"github.com/tomtom215/syncward/internal/operation"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newOp(opType operation.OpType, at time.Duration, payload map[string]any, token string) *operation.Operation {
	op := operation.New(opType, "device", "42", payload).WithTxnToken(token)
	op.CreatedAt = t0.Add(at)
	return op
}

func TestUpdateOntoUpdateMerges(t *testing.T) {
	first := newOp(operation.Update, 0, map[string]any{"a": 1}, "tx1").WithVersion(3)
	second := newOp(operation.Update, time.Minute, map[string]any{"b": 2}, "tx2")

	plan := Coalesce([]*operation.Operation{first}, second)

	if plan.Kind != KindMerged || plan.Put == nil {
		t.Fatalf("expected merge, got %+v", plan)
	}
	got := plan.Put
	if got.Payload["a"] != 1 || got.Payload["b"] != 2 || len(got.Payload) != 2 {
		t.Errorf("payload = %v, want {a:1 b:2}", got.Payload)
	}
	if got.ID != first.ID || got.IdempotencyKey != first.IdempotencyKey || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Error("merged op must keep the older identity and creation time")
	}
	if len(got.TxnTokens) != 2 || got.TxnTokens[0] != "tx1" || got.TxnTokens[1] != "tx2" {
		t.Errorf("tokens = %v", got.TxnTokens)
	}
	if *got.Version != 3 {
		t.Errorf("version = %d, want 3", *got.Version)
	}
	if len(plan.Delete) != 0 || len(plan.Guard) != 1 || plan.Guard[0] != first.ID {
		t.Errorf("unexpected delete/guard %v %v", plan.Delete, plan.Guard)
	}
	if len(first.Payload) != 1 {
		t.Error("pending op must not be modified")
	}
}

func TestUpdateReplacesOverlappingFields(t *testing.T) {
	first := newOp(operation.Update, 0, map[string]any{"a": 1, "b": 1}, "")
	second := newOp(operation.Update, time.Second, map[string]any{"b": 2}, "")

	plan := Coalesce([]*operation.Operation{first}, second)
	if plan.Put.Payload["a"] != 1 || plan.Put.Payload["b"] != 2 {
		t.Errorf("payload = %v", plan.Put.Payload)
	}
}

func TestUpdateOntoCreateMerges(t *testing.T) {
	create := newOp(operation.Create, 0, map[string]any{"name": "lamp"}, "tx1")
	update := newOp(operation.Update, time.Second, map[string]any{"status": "on"}, "tx2")

	plan := Coalesce([]*operation.Operation{create}, update)
	if plan.Kind != KindMerged || plan.Put.OpType != operation.Create {
		t.Fatalf("expected merged create, got %+v", plan)
	}
	if plan.Put.Payload["name"] != "lamp" || plan.Put.Payload["status"] != "on" {
		t.Errorf("payload = %v", plan.Put.Payload)
	}
}

func TestUpdateAfterDispatchedIsAppended(t *testing.T) {
	inflight := newOp(operation.Update, 0, map[string]any{"a": 1}, "tx1")
	inflight.DispatchedAt = t0.Add(time.Second)
	next := newOp(operation.Update, time.Minute, map[string]any{"b": 2}, "tx2")

	plan := Coalesce([]*operation.Operation{inflight}, next)
	if plan.Kind != KindAppended || plan.Put.ID != next.ID {
		t.Fatalf("expected append, got %+v", plan)
	}
	if len(plan.Guard) != 0 {
		t.Errorf("append must not guard dispatched ops: %v", plan.Guard)
	}
}

func TestDeleteCollapsesUnsyncedCreate(t *testing.T) {
	create := newOp(operation.Create, 0, map[string]any{"name": "lamp"}, "tx1")
	update := newOp(operation.Update, time.Second, map[string]any{"status": "on"}, "tx2")
	del := newOp(operation.Delete, time.Minute, nil, "tx3")

	plan := Coalesce([]*operation.Operation{update, create}, del)

	if plan.Kind != KindCollapsed || !plan.Dropped || plan.Put != nil {
		t.Fatalf("expected collapse, got %+v", plan)
	}
	if len(plan.Delete) != 2 || plan.Delete[0] != create.ID || plan.Delete[1] != update.ID {
		t.Errorf("delete = %v", plan.Delete)
	}
	want := []string{"tx1", "tx2", "tx3"}
	if len(plan.Commit) != len(want) {
		t.Fatalf("commit = %v, want %v", plan.Commit, want)
	}
	for i := range want {
		if plan.Commit[i] != want[i] {
			t.Errorf("commit[%d] = %s, want %s", i, plan.Commit[i], want[i])
		}
	}
}

func TestDeleteAfterDispatchedCreateSupersedesUpdates(t *testing.T) {
	create := newOp(operation.Create, 0, map[string]any{"name": "lamp"}, "tx1")
	create.DispatchedAt = t0.Add(time.Second)
	update := newOp(operation.Update, time.Second, map[string]any{"status": "on"}, "tx2")
	del := newOp(operation.Delete, time.Minute, nil, "tx3")

	plan := Coalesce([]*operation.Operation{create, update}, del)

	if plan.Kind != KindSuperseded || plan.Dropped {
		t.Fatalf("expected supersede, got %+v", plan)
	}
	if len(plan.Delete) != 1 || plan.Delete[0] != update.ID {
		t.Errorf("delete = %v", plan.Delete)
	}
	if plan.Put.ID != del.ID || len(plan.Put.TxnTokens) != 2 || plan.Put.TxnTokens[0] != "tx2" {
		t.Errorf("unexpected put %+v", plan.Put)
	}
	if len(plan.Guard) != 1 || plan.Guard[0] != update.ID {
		t.Errorf("guard = %v", plan.Guard)
	}
}

func TestDeleteNeverTouchesInflightUpdate(t *testing.T) {
	inflight := newOp(operation.Update, 0, map[string]any{"a": 1}, "tx1")
	inflight.DispatchedAt = t0.Add(time.Second)
	del := newOp(operation.Delete, time.Minute, nil, "tx2")

	plan := Coalesce([]*operation.Operation{inflight}, del)
	if plan.Kind != KindAppended || len(plan.Delete) != 0 {
		t.Fatalf("expected DELETE queued behind the in-flight update, got %+v", plan)
	}
}

func TestDuplicateDeleteMergesTokens(t *testing.T) {
	first := newOp(operation.Delete, 0, nil, "tx1")
	second := newOp(operation.Delete, time.Second, nil, "tx2")

	plan := Coalesce([]*operation.Operation{first}, second)
	if plan.Kind != KindMerged || plan.Put.ID != first.ID {
		t.Fatalf("expected merge into existing delete, got %+v", plan)
	}
	if len(plan.Put.TxnTokens) != 2 {
		t.Errorf("tokens = %v", plan.Put.TxnTokens)
	}
}

func TestCreateIsAppended(t *testing.T) {
	del := newOp(operation.Delete, 0, nil, "")
	del.DispatchedAt = t0
	create := newOp(operation.Create, time.Second, map[string]any{"name": "x"}, "")

	if plan := Coalesce([]*operation.Operation{del}, create); plan.Kind != KindAppended {
		t.Errorf("expected append, got %s", plan.Kind)
	}
	if plan := Coalesce(nil, create); plan.Kind != KindAppended || plan.Put.ID != create.ID {
		t.Errorf("expected append on empty queue, got %+v", plan)
	}
}

func TestOtherEntitiesIgnored(t *testing.T) {
	other := operation.New(operation.Update, "device", "43", map[string]any{"a": 1})
	incoming := newOp(operation.Update, time.Second, map[string]any{"b": 2}, "")

	if plan := Coalesce([]*operation.Operation{other}, incoming); plan.Kind != KindAppended {
		t.Errorf("expected append, got %s", plan.Kind)
	}
}
