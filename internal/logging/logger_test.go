// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got '%s'", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected default format 'json', got '%s'", cfg.Format)
	}
	if !cfg.Timestamp {
		t.Error("expected default timestamp to be true")
	}
	if !cfg.RedactPayloads {
		t.Error("expected payload redaction on by default")
	}
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Timestamp: true, RedactPayloads: true, Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("operation_id", "op-1").Msg("test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, `"operation_id":"op-1"`) {
		t.Errorf("expected structured field, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestCtxAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithLogger(context.Background(), NewTestLogger(&buf))
	ctx = ContextWithTraceID(ctx, "trace-abc")
	ctx = ContextWithRequestID(ctx, "req-1")

	Ctx(ctx).Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-abc"`) {
		t.Errorf("missing trace_id: %s", out)
	}
	if !strings.Contains(out, `"request_id":"req-1"`) {
		t.Errorf("missing request_id: %s", out)
	}
	if TraceIDFromContext(context.Background()) != "" {
		t.Error("expected empty trace id for bare context")
	}
}

func TestRedactPayload(t *testing.T) {
	setRedaction(true)
	defer setRedaction(true)

	in := map[string]any{"status": "on", "brightness": 80}
	out := RedactPayload(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(out))
	}
	for k, v := range out {
		if v != RedactedValue {
			t.Errorf("key %s not redacted: %v", k, v)
		}
	}
	if in["status"] != "on" {
		t.Error("RedactPayload must not mutate its input")
	}

	setRedaction(false)
	if got := RedactPayload(in); got["status"] != "on" {
		t.Errorf("expected passthrough with redaction disabled, got %v", got)
	}
}

func TestPayloadFingerprint(t *testing.T) {
	t.Parallel()

	a := PayloadFingerprint(map[string]any{"a": 1, "b": "x"})
	b := PayloadFingerprint(map[string]any{"b": "x", "a": 1})
	c := PayloadFingerprint(map[string]any{"a": 2, "b": "x"})

	if a == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if a != b {
		t.Errorf("fingerprint depends on key order: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different payloads produced the same fingerprint")
	}
	if PayloadFingerprint(nil) != "" {
		t.Error("expected empty fingerprint for nil payload")
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	if SanitizeError(nil) != "" {
		t.Error("expected empty string for nil error")
	}
	got := SanitizeError(errors.New("line one\nline two"))
	if strings.Contains(got, "\n") {
		t.Errorf("newline not removed: %q", got)
	}
	long := SanitizeText(strings.Repeat("x", 2000))
	if len(long) > maxErrorLength+len("...[truncated]") {
		t.Errorf("text not truncated, len=%d", len(long))
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSlogHandlerWithLogger(NewTestLogger(&buf)))

	logger.WithGroup("svc").With("name", "engine").Warn("restarting", "attempt", 3)

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("expected warn level: %s", out)
	}
	if !strings.Contains(out, `"svc.name":"engine"`) {
		t.Errorf("expected grouped attr: %s", out)
	}
	if !strings.Contains(out, `"svc.attempt":3`) {
		t.Errorf("expected record attr: %s", out)
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	var adapter watermill.LoggerAdapter = NewWatermillAdapter("mirror")
	adapter = adapter.With(watermill.LogFields{"topic": "outcomes"})
	adapter.Error("publish failed", errors.New("nats down"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	for _, want := range []string{`"component":"mirror"`, `"topic":"outcomes"`, `"error":"nats down"`, `"attempt":2`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}
