// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package logging

import (
	"encoding/hex"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// RedactedValue replaces every payload value when redaction is enabled.
const RedactedValue = "[REDACTED]"

// maxErrorLength bounds error text copied into logs, archive records and
// mirror events. Remote error bodies can echo request payloads back.
const maxErrorLength = 512

var redactPayloads atomic.Bool

func setRedaction(enabled bool) {
	redactPayloads.Store(enabled)
}

// RedactionEnabled reports whether payload contents must be hidden from
// logs, metrics and admin surfaces.
func RedactionEnabled() bool {
	return redactPayloads.Load()
}

// RedactPayload returns a copy of payload safe for display. Keys survive so
// operators can see which fields an operation touches; values do not.
// When redaction is disabled the payload is returned as-is.
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil || !RedactionEnabled() {
		return payload
	}
	out := make(map[string]any, len(payload))
	for k := range payload {
		out[k] = RedactedValue
	}
	return out
}

// PayloadFingerprint returns a blake2b-256 digest of the canonical JSON
// encoding of payload. Two payloads with equal content have equal
// fingerprints, which lets telemetry correlate operations without
// exposing their data.
func PayloadFingerprint(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	// map keys are emitted in sorted order
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// SanitizeError flattens err to a single bounded line.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeText flattens s to a single line no longer than maxErrorLength.
func SanitizeText(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if len(s) > maxErrorLength {
		s = s[:maxErrorLength] + "...[truncated]"
	}
	return s
}
