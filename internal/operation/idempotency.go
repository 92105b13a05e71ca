// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package operation

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header names of the idempotency contract.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplayed is set by servers that recognised the key and
	// returned the stored response of an earlier attempt.
	HeaderIdempotentReplayed = "Idempotent-Replayed"
)

// NewIdempotencyKey returns a random UUIDv4 key.
func NewIdempotencyKey() string {
	return uuid.New().String()
}

// ApplyIdempotency tags req with the operation's idempotency key.
func ApplyIdempotency(req *http.Request, op *Operation) {
	req.Header.Set(HeaderIdempotencyKey, op.IdempotencyKey)
}

// Acknowledged reports whether resp confirms the server processed the key:
// either it echoed the same key back or it flagged the response as a replay.
func Acknowledged(resp *http.Response, op *Operation) bool {
	if resp == nil {
		return false
	}
	if strings.EqualFold(resp.Header.Get(HeaderIdempotentReplayed), "true") {
		return true
	}
	return resp.Header.Get(HeaderIdempotencyKey) == op.IdempotencyKey
}

// Replayed reports whether resp is a replay of an earlier attempt.
func Replayed(resp *http.Response) bool {
	return resp != nil && strings.EqualFold(resp.Header.Get(HeaderIdempotentReplayed), "true")
}
