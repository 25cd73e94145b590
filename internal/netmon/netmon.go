// Package netmon tracks connectivity and signals genuine transitions.
//
// The monitor is a pure signal source: it never retries anything itself.
// Connectivity reports come from a probe loop (Run) and from the outcome of
// real traffic (the interceptor reports every request it forwards).
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/model"
)

// Monitor holds the current NetworkState.
type Monitor struct {
	mu       sync.Mutex
	state    model.NetworkState
	clock    clock.Clock
	debounce time.Duration

	// pending is the debounce timer for a transition to pendingOnline.
	pending       *time.Timer
	pendingOnline bool
	gen           uint64

	// Restored fires on each offline → online transition.
	Restored event.Topic[model.NetworkState]

	// Lost fires on each online → offline transition.
	Lost event.Topic[model.NetworkState]
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used to stamp transitions.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// WithDebounce sets how long a differing signal must hold before it
// commits. Zero commits immediately.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) {
		m.debounce = d
	}
}

// WithInitialState sets the starting connectivity. Defaults to online.
func WithInitialState(online bool) Option {
	return func(m *Monitor) {
		m.state.Online = online
	}
}

// New creates a monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		state: model.NetworkState{Online: true},
		clock: clock.System{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports current connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

// State returns a snapshot of the current state.
func (m *Monitor) State() model.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Report feeds a connectivity signal. A signal equal to the current state
// is ignored (and cancels a pending flip). A differing signal commits after
// the debounce interval unless contradicted first.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()

	if online == m.state.Online {
		m.cancelPendingLocked()
		m.mu.Unlock()
		return
	}

	if m.debounce <= 0 {
		m.cancelPendingLocked()
		st := m.commitLocked(online)
		m.mu.Unlock()
		m.publish(st)
		return
	}

	if m.pending != nil && m.pendingOnline == online {
		m.mu.Unlock()
		return
	}

	m.cancelPendingLocked()
	m.gen++
	gen := m.gen
	m.pendingOnline = online
	m.pending = time.AfterFunc(m.debounce, func() {
		m.fire(gen, online)
	})
	m.mu.Unlock()
}

func (m *Monitor) fire(gen uint64, online bool) {
	m.mu.Lock()
	if gen != m.gen || m.pending == nil || online == m.state.Online {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	st := m.commitLocked(online)
	m.mu.Unlock()
	m.publish(st)
}

func (m *Monitor) commitLocked(online bool) model.NetworkState {
	m.state = model.NetworkState{Online: online, LastTransitionAt: m.clock.Now()}
	return m.state
}

func (m *Monitor) cancelPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
		m.gen++
	}
}

func (m *Monitor) publish(st model.NetworkState) {
	if st.Online {
		slog.Info("connectivity restored")
		m.Restored.Publish(st)
	} else {
		slog.Warn("connectivity lost")
		m.Lost.Publish(st)
	}
}

// Close stops any pending debounce timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
}

// Prober checks connectivity once.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// Run probes immediately and then every interval, reporting each result,
// until ctx is done. Returns ctx.Err().
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		online := p.Probe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.Report(online)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
