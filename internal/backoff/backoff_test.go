// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package backoff

import (
	"math/rand/v2"
	"testing"
	"time"
)

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestExponentialDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := New(time.Second, 30*time.Second)
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := p.Exponential(i + 1); got != w {
			t.Errorf("attempt %d: want %s, got %s", i+1, w, got)
		}
	}
	if got := p.Exponential(0); got != time.Second {
		t.Errorf("attempt 0 should behave like 1, got %s", got)
	}
	if got := p.Exponential(500); got != 30*time.Second {
		t.Errorf("huge attempt should cap without overflow, got %s", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := New(time.Second, time.Minute)

	p.Rand = fixedRand(0)
	if got := p.Delay(3, nil); got != 2*time.Second {
		t.Errorf("min jitter: want 2s, got %s", got)
	}
	p.Rand = fixedRand(0.999999)
	if got := p.Delay(3, nil); got < 5990*time.Millisecond || got > 6*time.Second {
		t.Errorf("max jitter: want ~6s, got %s", got)
	}
}

func TestDelayNeverExceedsMax(t *testing.T) {
	t.Parallel()

	p := New(time.Second, 10*time.Second)
	r := rand.New(rand.NewPCG(1, 2))
	p.Rand = r.Float64
	for attempt := 1; attempt <= 40; attempt++ {
		for i := 0; i < 50; i++ {
			if d := p.Delay(attempt, nil); d > p.Max {
				t.Fatalf("attempt %d: delay %s exceeds max %s", attempt, d, p.Max)
			}
		}
	}
}

func TestDelayMonotonicInExpectation(t *testing.T) {
	t.Parallel()

	p := New(100*time.Millisecond, 20*time.Second)
	r := rand.New(rand.NewPCG(7, 11))
	p.Rand = r.Float64

	const samples = 2000
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		var sum time.Duration
		for i := 0; i < samples; i++ {
			sum += p.Delay(attempt, nil)
		}
		mean := sum / samples
		// allow 5% sampling noise once the cap flattens the curve
		if float64(mean) < float64(prev)*0.95 {
			t.Fatalf("attempt %d: mean %s below previous mean %s", attempt, mean, prev)
		}
		prev = mean
	}
}

func TestRetryAfterPrecedence(t *testing.T) {
	t.Parallel()

	p := New(time.Second, 2*time.Second)
	hint := 5 * time.Second

	r := rand.New(rand.NewPCG(3, 4))
	p.Rand = r.Float64
	for i := 0; i < 200; i++ {
		d := p.Delay(1, &hint)
		if d < 5*time.Second || d > 7500*time.Millisecond {
			t.Fatalf("hinted delay %s outside [5s, 7.5s]", d)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		header string
		want   time.Duration
		ok     bool
	}{
		{"5", 5 * time.Second, true},
		{" 120 ", 2 * time.Minute, true},
		{"0", 0, true},
		{"-3", 0, false},
		{"", 0, false},
		{"soon", 0, false},
		{now.Add(30 * time.Second).Format(time.RFC1123), 30 * time.Second, true},
		{now.Add(-time.Minute).Format(time.RFC1123), 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRetryAfter(tt.header, now)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = (%s, %v), want (%s, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
