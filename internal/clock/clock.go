// Package clock provides the two notions of time offsync runs on: wall time
// for expiry and backoff, and a logical sequence for queue ordering.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock is the wall-time source used by the queue, cache, monitor and
// coordinator. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Sleep waits for d or ctx cancellation.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Seq is a monotonic logical counter. Queue records are stamped with it so
// FIFO within a priority tier never depends on wall-clock resolution.
//
// Thread-safety: Seq is safe for concurrent use (atomic operations).
type Seq struct {
	n atomic.Int64
}

// NewSeq creates a counter starting at 0.
func NewSeq() *Seq {
	return &Seq{}
}

// NewSeqAt creates a counter starting at a specific value.
// Used on reopen to resume after the highest persisted seq.
func NewSeqAt(start int64) *Seq {
	s := &Seq{}
	s.n.Store(start)
	return s
}

// Next returns the next value. Each call returns a unique, increasing value.
func (s *Seq) Next() int64 {
	return s.n.Add(1)
}

// Current returns the current value without incrementing.
func (s *Seq) Current() int64 {
	return s.n.Load()
}
