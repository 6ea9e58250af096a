// SPDX-License-Identifier: MIT

package cooldown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTrackerInactiveByDefault(t *testing.T) {
	tr := New(WithClock(newFakeClock()))

	assert.True(t, tr.Admit())
	assert.Zero(t, tr.SecondsRemaining())
	assert.Zero(t, tr.Backlog())
}

func TestTrackerBlocksUntilExpiry(t *testing.T) {
	clk := newFakeClock()
	tr := New(WithClock(clk))

	tr.RecordRateLimit(30 * time.Second)

	require.False(t, tr.Admit())
	assert.Equal(t, 30*time.Second, tr.SecondsRemaining())

	clk.Advance(29 * time.Second)
	require.False(t, tr.Admit())
	assert.Equal(t, time.Second, tr.SecondsRemaining())

	clk.Advance(time.Second)
	require.True(t, tr.Admit())
	assert.Zero(t, tr.SecondsRemaining())
}

func TestTrackerAdmitResetsBacklogOnRecovery(t *testing.T) {
	clk := newFakeClock()
	tr := New(WithClock(clk))

	tr.RecordRateLimit(10 * time.Second)
	tr.AddToBacklog()
	tr.AddToBacklog()
	require.Equal(t, 2, tr.Backlog())

	clk.Advance(10 * time.Second)
	require.True(t, tr.Admit())
	assert.Zero(t, tr.Backlog())

	// Recovery is idempotent: a second call is also true.
	assert.True(t, tr.Admit())
}

func TestTrackerBacklogIgnoredWhileInactive(t *testing.T) {
	tr := New(WithClock(newFakeClock()))

	tr.AddToBacklog()
	assert.Zero(t, tr.Backlog())
}

func TestTrackerRateLimitExtendsCooldown(t *testing.T) {
	clk := newFakeClock()
	tr := New(WithClock(clk))

	tr.RecordRateLimit(10 * time.Second)
	clk.Advance(5 * time.Second)

	// A second 429 mid-cooldown restarts the window from now.
	tr.RecordRateLimit(30 * time.Second)
	assert.Equal(t, 30*time.Second, tr.SecondsRemaining())

	clk.Advance(29 * time.Second)
	assert.False(t, tr.Admit())
}

func TestTrackerConcurrentAdmit(t *testing.T) {
	clk := newFakeClock()
	tr := New(WithClock(clk))
	tr.RecordRateLimit(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Admit()
			tr.AddToBacklog()
		}()
	}
	wg.Wait()

	clk.Advance(time.Second)
	require.True(t, tr.Admit())
	assert.Zero(t, tr.Backlog())
}
