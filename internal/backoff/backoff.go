// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

// Package backoff computes retry delays for transient failures.
//
// Without a server hint the delay grows as base*2^(attempt-1), is capped
// at Max and multiplied by a jitter factor drawn from [0.5, 1.5]. The
// jittered result never exceeds Max. A server-supplied Retry-After takes
// precedence and is only ever lengthened, by a factor in [1.0, 1.5], so
// clients sharing one deadline do not all return at the same instant.
package backoff

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBase = time.Second
	DefaultMax  = 5 * time.Minute
)

// Policy computes retry delays. The zero value is not usable; build one
// with New.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a uniform value in [0, 1). Replaced in tests.
	Rand func() float64
}

// New returns a policy with the given bounds. Non-positive values fall back
// to the defaults.
func New(base, maxDelay time.Duration) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Policy{Base: base, Max: maxDelay, Rand: rand.Float64}
}

// Exponential returns the un-jittered delay for attempt (1-based).
func (p *Policy) Exponential(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Delay returns the jittered delay before attempt number attempt+1, given
// that attempt attempts have failed. hint, when non-nil, is the server's
// Retry-After.
func (p *Policy) Delay(attempt int, hint *time.Duration) time.Duration {
	if hint != nil && *hint >= 0 {
		return time.Duration(float64(*hint) * (1.0 + 0.5*p.rand()))
	}
	d := time.Duration(float64(p.Exponential(attempt)) * (0.5 + p.rand()))
	if d > p.Max {
		d = p.Max
	}
	return d
}

func (p *Policy) rand() float64 {
	if p.Rand == nil {
		return rand.Float64()
	}
	return p.Rand()
}

// ParseRetryAfter interprets a Retry-After header as either delay-seconds
// or an HTTP-date relative to now. Malformed, negative and past values
// yield ok=false.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		ts, err := time.Parse(layout, header)
		if err != nil {
			continue
		}
		if delta := ts.Sub(now); delta > 0 {
			return delta, true
		}
		return 0, false
	}
	return 0, false
}
