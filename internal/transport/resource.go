// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package transport

import (
	"math"
	"time"

	"github.com/goccy/go-json"
)

// Resource is the server's view of an entity.
type Resource struct {
	Exists  bool
	Version *int64
	State   map[string]any

	// UpdatedAt is the server's last modification time, when reported.
	UpdatedAt time.Time
}

// parseConflict reads a 409 body. Only {"version": n, "state": {...}} is
// accepted; anything else, such as a flat error object, yields nil so the
// reconciler fetches the resource instead.
func parseConflict(body []byte) *Resource {
	raw := decodeObject(body)
	if raw == nil {
		return nil
	}
	state, ok := raw["state"].(map[string]any)
	if !ok {
		return nil
	}
	return newResource(raw, state)
}

// parseResource reads a GET body, either {"version": n, "state": {...}}
// or a flat representation whose "version" member is the version and
// whose other members are the state. It returns nil for bodies that are
// not JSON objects.
func parseResource(body []byte) *Resource {
	raw := decodeObject(body)
	if raw == nil {
		return nil
	}
	state, nested := raw["state"].(map[string]any)
	if !nested {
		state = make(map[string]any, len(raw))
		for k, v := range raw {
			if k != "version" {
				state[k] = v
			}
		}
	}
	return newResource(raw, state)
}

func decodeObject(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	return raw
}

func newResource(raw, state map[string]any) *Resource {
	r := &Resource{Exists: true, Version: toInt64(raw["version"]), State: state}
	for _, src := range []map[string]any{raw, state} {
		if s, ok := src["updated_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				r.UpdatedAt = t
				break
			}
		}
	}
	return r
}

func toInt64(v any) *int64 {
	var n int64
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return nil
		}
		n = int64(x)
	case int64:
		n = x
	case int:
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}
