// SPDX-License-Identifier: MIT

// Package cooldown is the single source of truth for "are we currently
// rate-limited". It holds pure state and performs no I/O.
package cooldown

import (
	"sync"
	"time"

	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/metrics"
)

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Tracker holds the global rate-limit state: active flag, expiry, and the
// count of jobs deferred while active. It clears itself once the wall clock
// passes the expiry.
type Tracker struct {
	mu        sync.Mutex
	active    bool
	expiresAt time.Time
	backlog   int
	clock     clock
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock substitutes the time source, for tests.
func WithClock(c clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// New creates an inactive tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{clock: realClock{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordRateLimit activates (or extends) the cooldown for the server-given
// duration. The backlog is left unchanged; callers increment it separately as
// they defer jobs.
func (t *Tracker) RecordRateLimit(retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
	t.expiresAt = t.clock.Now().Add(retryAfter)

	metrics.RecordRateLimit()
	metrics.SetCooldown(true, retryAfter)
	logger := log.WithComponent("cooldown")
	logger.Warn().
		Dur("retry_after", retryAfter).
		Int(log.FieldQueueDepth, t.backlog).
		Msg("rate limit recorded, submissions paused")
}

// Admit reports whether a new submission may proceed. A call made at or after
// the expiry clears the active flag and resets the backlog, signaling
// recovery; further calls keep returning true.
func (t *Tracker) Admit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return true
	}
	if t.clock.Now().Before(t.expiresAt) {
		return false
	}

	t.active = false
	t.backlog = 0
	metrics.SetCooldown(false, 0)
	logger := log.WithComponent("cooldown")
	logger.Info().Msg("cooldown expired, submissions resumed")
	return true
}

// SecondsRemaining returns the time until expiry, floored at zero. Intended
// for countdown display and telemetry.
func (t *Tracker) SecondsRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return 0
	}
	d := t.expiresAt.Sub(t.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// AddToBacklog counts one job deferred while the cooldown is active.
func (t *Tracker) AddToBacklog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		t.backlog++
	}
}

// Backlog returns the number of jobs deferred during the active cooldown.
// Zero whenever the tracker is inactive.
func (t *Tracker) Backlog() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return 0
	}
	return t.backlog
}
