// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/queue"
)

//nolint:gochecknoinits // keeps test output quiet
func init() {
	logging.Init(logging.Config{Level: "error", Format: "console", Output: io.Discard})
}

func startHub(t *testing.T) (*Hub, context.CancelFunc, <-chan error) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()
	t.Cleanup(cancel)
	return hub, cancel, done
}

func testClient(hub *Hub, buffer int) *Client {
	return &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, buffer)}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("client channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	return Message{}
}

func sampleChange() queue.Change {
	return queue.Change{Kind: queue.ChangePut, ID: "op-1", OpType: operation.Update, EntityType: "device", EntityID: "42", At: time.Now()}
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	hub, _, _ := startHub(t)

	a, b := testClient(hub, 8), testClient(hub, 8)
	hub.Register <- a
	hub.Register <- b
	waitFor(t, func() bool { return hub.GetClientCount() == 2 }, "registration")

	hub.BroadcastChange(sampleChange())

	for _, c := range []*Client{a, b} {
		msg := receive(t, c)
		if msg.Type != MessageTypeChange {
			t.Errorf("type = %s", msg.Type)
		}
		change, ok := msg.Data.(queue.Change)
		if !ok || change.ID != "op-1" {
			t.Errorf("unexpected data %#v", msg.Data)
		}
	}
}

func TestHubFiltersByEntityType(t *testing.T) {
	hub, _, _ := startHub(t)

	notes, all := testClient(hub, 8), testClient(hub, 8)
	notes.subscribe([]string{"note", ""})
	hub.Register <- notes
	hub.Register <- all
	waitFor(t, func() bool { return hub.GetClientCount() == 2 }, "registration")

	device := sampleChange()
	note := sampleChange()
	note.ID, note.EntityType, note.EntityID = "op-2", "note", "n1"
	hub.BroadcastChange(device)
	hub.BroadcastChange(note)

	if got := receive(t, notes).Data.(queue.Change); got.ID != "op-2" {
		t.Errorf("note watcher got %s, want only op-2", got.ID)
	}
	for _, want := range []string{"op-1", "op-2"} {
		if got := receive(t, all).Data.(queue.Change); got.ID != want {
			t.Errorf("unfiltered watcher got %s, want %s", got.ID, want)
		}
	}
	if sub := notes.Subscription(); len(sub.EntityTypes) != 1 || sub.EntityTypes[0] != "note" {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestEntityTypesOf(t *testing.T) {
	tests := []struct {
		name string
		data any
		want int
	}{
		{"list", map[string]any{"entity_types": []any{"note", "device"}}, 2},
		{"non-strings skipped", map[string]any{"entity_types": []any{"note", 7}}, 1},
		{"missing", map[string]any{}, 0},
		{"not an object", "note", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entityTypesOf(tt.data); len(got) != tt.want {
				t.Errorf("entityTypesOf(%v) = %v, want %d types", tt.data, got, tt.want)
			}
		})
	}
}

func TestHubUnregister(t *testing.T) {
	hub, _, _ := startHub(t)

	c := testClient(hub, 1)
	hub.Register <- c
	hub.Unregister <- c
	waitFor(t, func() bool { return hub.GetClientCount() == 0 }, "unregister")

	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed")
	}

	// unknown clients are ignored
	hub.Unregister <- testClient(hub, 1)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, _, _ := startHub(t)

	slow, fast := testClient(hub, 1), testClient(hub, 8)
	hub.Register <- slow
	hub.Register <- fast
	waitFor(t, func() bool { return hub.GetClientCount() == 2 }, "registration")

	hub.BroadcastJSON(MessageTypeStatus, "first")
	hub.BroadcastJSON(MessageTypeStatus, "second")

	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "slow client removal")
	if got := receive(t, fast); got.Data != "first" {
		t.Errorf("fast client got %v first", got.Data)
	}
	if got := receive(t, fast); got.Data != "second" {
		t.Errorf("fast client got %v second", got.Data)
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, cancel, done := startHub(t)

	c := testClient(hub, 1)
	hub.Register <- c
	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "registration")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	if hub.GetClientCount() != 0 {
		t.Error("clients should be closed on shutdown")
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed")
	}
}

func TestGetShutdownReason(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := getShutdownReason(ctx); got != ShutdownReasonContextCanceled {
		t.Errorf("canceled: %s", got)
	}

	dctx, dcancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer dcancel()
	if got := getShutdownReason(dctx); got != ShutdownReasonContextDeadline {
		t.Errorf("deadline: %s", got)
	}
}

func TestMarshalMessageOmitsPayload(t *testing.T) {
	data, err := MarshalMessage(Message{Type: MessageTypeChange, Data: sampleChange()})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"queue_change"`) || !strings.Contains(s, `"entity_id":"42"`) {
		t.Errorf("unexpected frame %s", s)
	}
	if strings.Contains(s, "payload") {
		t.Errorf("frame must not carry a payload: %s", s)
	}
}

func TestClientEndToEnd(t *testing.T) {
	hub, _, _ := startHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn)
		hub.Register <- client
		client.Start()
	}))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "registration")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong Message
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != MessageTypePong {
		t.Fatalf("expected pong, got %+v (%v)", pong, err)
	}

	hub.BroadcastChange(sampleChange())
	var msg struct {
		Type string       `json:"type"`
		Data queue.Change `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTypeChange || msg.Data.ID != "op-1" || msg.Data.Kind != queue.ChangePut {
		t.Errorf("unexpected message %+v", msg)
	}

	sub := Message{Type: MessageTypeSubscribe, Data: Subscription{EntityTypes: []string{"note"}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var status struct {
		Type string       `json:"type"`
		Data Subscription `json:"data"`
	}
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status.Type != MessageTypeStatus || len(status.Data.EntityTypes) != 1 || status.Data.EntityTypes[0] != "note" {
		t.Fatalf("unexpected subscribe reply %+v", status)
	}

	note := sampleChange()
	note.ID, note.EntityType = "op-2", "note"
	hub.BroadcastChange(sampleChange())
	hub.BroadcastChange(note)
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Data.ID != "op-2" {
		t.Errorf("filtered watcher received %s, want op-2", msg.Data.ID)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return hub.GetClientCount() == 0 }, "disconnect")
}
