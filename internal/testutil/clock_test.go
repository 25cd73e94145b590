package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_DefaultsToEpoch(t *testing.T) {
	c := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	c.Advance(6 * time.Second)
	assert.Equal(t, start.Add(6*time.Second), c.Now())
}

func TestFakeClock_SleepRecordsAndAdvances(t *testing.T) {
	c := NewFakeClock(time.Time{})

	assert.NoError(t, c.Sleep(context.Background(), time.Second))
	assert.NoError(t, c.Sleep(context.Background(), 2*time.Second))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.Sleeps())
	assert.Equal(t, Epoch.Add(3*time.Second), c.Now())
}

func TestFakeClock_SleepCanceled(t *testing.T) {
	c := NewFakeClock(time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
	assert.Empty(t, c.Sleeps())
	assert.Equal(t, Epoch, c.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	c := NewFakeClock(time.Time{})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(100*time.Millisecond), c.Now())
}
