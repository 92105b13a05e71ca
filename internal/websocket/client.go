// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package websocket

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/syncward/internal/logging"
	"github.com/tomtom215/syncward/internal/queue"
)

// Keepalive tuning. A watcher that misses readTimeout worth of pongs is
// dropped.
const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = readTimeout * 9 / 10
	maxFrameSize = 4 * 1024
	sendBuffer   = 256
)

// clientIDCounter gives clients a stable order for broadcasts.
var clientIDCounter atomic.Uint64

// Client is one watch connection. Frames flow from the hub to the peer;
// the peer only sends pings and subscribe requests.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	mu sync.RWMutex
	// entityTypes limits which queue changes are delivered. Nil means all.
	entityTypes map[string]struct{}
}

// Subscription is the data of a subscribe request and of the status reply
// to it. An empty list watches every entity type.
type Subscription struct {
	EntityTypes []string `json:"entity_types"`
}

// NewClient creates a watcher for conn. entityTypes narrows the changes it
// receives until the peer sends a subscribe request.
func NewClient(hub *Hub, conn *websocket.Conn, entityTypes ...string) *Client {
	c := &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
	c.subscribe(entityTypes)
	return c
}

func (c *Client) ID() uint64 {
	return c.id
}

func (c *Client) subscribe(entityTypes []string) {
	var set map[string]struct{}
	for _, t := range entityTypes {
		if t == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(entityTypes))
		}
		set[t] = struct{}{}
	}
	c.mu.Lock()
	c.entityTypes = set
	c.mu.Unlock()
}

// Subscription returns the current filter, sorted.
func (c *Client) Subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.entityTypes))
	for t := range c.entityTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return Subscription{EntityTypes: types}
}

// wants reports whether msg passes the client's filter. Only queue
// changes are filtered.
func (c *Client) wants(msg Message) bool {
	change, ok := msg.Data.(queue.Change)
	if !ok || msg.Type != MessageTypeChange {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entityTypes == nil {
		return true
	}
	_, ok = c.entityTypes[change.EntityType]
	return ok
}

// reply queues a frame for this client only, dropping it if the client is
// backed up.
func (c *Client) reply(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// handle answers one frame from the peer.
func (c *Client) handle(msg Message) {
	switch msg.Type {
	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})
	case MessageTypeSubscribe:
		c.subscribe(entityTypesOf(msg.Data))
		c.reply(Message{Type: MessageTypeStatus, Data: c.Subscription()})
	}
}

// entityTypesOf reads {"entity_types": [...]} from a decoded frame.
func entityTypesOf(data any) []string {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	list, _ := m["entity_types"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// readLoop runs until the peer goes away, then unregisters the client.
func (c *Client) readLoop() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(readTimeout)) }
	if err := extend(""); err != nil {
		logging.Error().Err(err).Uint64("client_id", c.id).Msg("set websocket read deadline")
		return
	}
	c.conn.SetPongHandler(extend)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Uint64("client_id", c.id).Msg("watcher closed unexpectedly")
			}
			return
		}
		c.handle(msg)
	}
}

// writeLoop delivers queued frames and keeps the connection alive. It
// exits when the hub closes the send channel or a write fails.
func (c *Client) writeLoop() {
	keepalive := time.NewTicker(pingInterval)
	defer func() {
		keepalive.Stop()
		_ = c.conn.Close()
	}()

	for {
		var err error
		select {
		case msg, open := <-c.send:
			if err = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				break
			}
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err = c.conn.WriteJSON(msg)
		case <-keepalive.C:
			if err = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err == nil {
				err = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
		if err != nil {
			logging.Debug().Err(err).Uint64("client_id", c.id).Msg("watcher write failed")
			return
		}
	}
}

// Start runs the client's read and write loops.
func (c *Client) Start() {
	go c.writeLoop()
	go c.readLoop()
}
