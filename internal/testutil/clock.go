package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually driven wall clock for tests.
//
// Sleep does not block: it records the requested duration and advances the
// clock by it, so backoff waits are both instant and observable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

// NewFakeClock creates a clock reading start. A zero start uses Epoch.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep records d and advances the clock by it. Returns ctx.Err() without
// advancing if ctx is already done.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

// Sleeps returns every duration passed to Sleep, in call order.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
