package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/remote"
)

// Config holds the coordinator's tunables.
type Config struct {
	// PeriodicInterval is the tick of Run's drain loop.
	PeriodicInterval time.Duration

	// RequestTimeout bounds each remote request.
	RequestTimeout time.Duration

	// InlineRetries is how many times a transient failure is retried
	// immediately (after its backoff) before being deferred to the end of
	// the pass.
	InlineRetries int

	// BatchSize caps the records considered per pass; 0 means all.
	BatchSize int

	// UrgentAge is the maximum age of records sent by FlushUrgent.
	UrgentAge time.Duration

	// UrgentEndpoint receives the urgent flush; empty uses the endpoint of
	// the first record being flushed.
	UrgentEndpoint string

	// Source is sent with every request to identify this client.
	Source string

	// LeaseTTL is how long a pass holds the cross-process drain lease
	// without renewing it. It is renewed before every send, so it must
	// exceed RequestTimeout plus the longest backoff wait.
	LeaseTTL time.Duration
}

// DefaultConfig returns a 5 minute period, 30 second request timeout and
// one inline retry.
func DefaultConfig() Config {
	return Config{
		PeriodicInterval: 5 * time.Minute,
		RequestTimeout:   30 * time.Second,
		InlineRetries:    1,
		UrgentAge:        5 * time.Minute,
		Source:           "offsync",
		LeaseTTL:         5 * time.Minute,
	}
}

// ErrStopped is returned by ManualSync after Stop.
var ErrStopped = errors.New("sync coordinator stopped")

// Connectivity reports whether the network is up. Implemented by
// *netmon.Monitor.
type Connectivity interface {
	Online() bool
}

// RunLog persists finished passes. Implemented by *store.Store.
type RunLog interface {
	WriteSyncRun(ctx context.Context, run model.SyncRun) (int64, error)
	LastSyncRun(ctx context.Context) (model.SyncRun, bool, error)
}

// Coordinator drains the mutation queue against the remote endpoint.
//
// Thread-safety model:
//   - ManualSync, Trigger, Stop, FlushUrgent, LastRun: safe from any goroutine
//   - Run: call from one goroutine
type Coordinator struct {
	queue  *queue.Queue
	remote remote.Endpoint
	net    Connectivity
	runs   RunLog
	clock  clock.Clock
	cfg    Config
	ids    queue.IDGenerator

	// holder identifies this coordinator in the drain lease.
	holder string

	running atomic.Bool

	// halt is cancelled by Stop. It is the only thing that cuts a started
	// pass short; callers' contexts do not.
	halt context.Context
	stop context.CancelFunc

	// trigger requests a pass from Run (buffered, size 1: requests coalesce).
	trigger chan struct{}

	urgent sync.WaitGroup

	Started      event.Topic[Started]
	ItemSynced   event.Topic[ItemSynced]
	ItemFailed   event.Topic[ItemFailed]
	ItemRetrying event.Topic[ItemRetrying]
	Completed    event.Topic[Completed]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets the tunables.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

// WithClock sets the clock used for timestamps and backoff waits.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithIDGenerator sets the generator for urgent flush sync ids. Defaults to
// queue.UUIDv7Generator.
func WithIDGenerator(g queue.IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithRunLog records each finished pass.
func WithRunLog(r RunLog) Option {
	return func(c *Coordinator) {
		c.runs = r
	}
}

// New creates a coordinator. The queue, endpoint and connectivity source
// are injected so tests can run isolated instances.
func New(q *queue.Queue, ep remote.Endpoint, net Connectivity, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:   q,
		remote:  ep,
		net:     net,
		clock:   clock.System{},
		cfg:     DefaultConfig(),
		ids:     queue.UUIDv7Generator{},
		holder:  queue.UUIDv7Generator{}.Generate(),
		trigger: make(chan struct{}, 1),
	}
	c.halt, c.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.LeaseTTL <= 0 {
		c.cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if c.cfg.RequestTimeout <= 0 {
		c.cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if c.cfg.InlineRetries < 0 {
		c.cfg.InlineRetries = 0
	}
	return c
}

// Running reports whether a drain pass is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// ManualSync runs one drain pass and returns its stats.
//
// Returns model.ErrNotOnline if the network is down and
// model.ErrSyncAlreadyRunning if another pass holds the lock, in this
// process or in another one sharing the database; in both cases the queue
// is untouched.
//
// A started pass runs to the end of its batch even if ctx is cancelled:
// ctx only carries values. Each request is bounded by RequestTimeout and
// only Stop ends a pass early.
func (c *Coordinator) ManualSync(ctx context.Context) (model.SyncStats, error) {
	if c.halt.Err() != nil {
		return model.SyncStats{}, ErrStopped
	}
	if !c.net.Online() {
		return model.SyncStats{}, model.ErrNotOnline
	}
	if !c.running.CompareAndSwap(false, true) {
		return model.SyncStats{}, model.ErrSyncAlreadyRunning
	}
	defer c.running.Store(false)

	pass, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	unwatch := context.AfterFunc(c.halt, cancel)
	defer unwatch()

	ok, err := c.queue.Claim(pass, c.holder, c.cfg.LeaseTTL)
	if err != nil {
		return c.finish(pass, model.SyncStats{StartedAt: c.clock.Now()}, fmt.Errorf("sync: %w", err))
	}
	if !ok {
		slog.Debug("drain lease held by another process")
		return model.SyncStats{}, model.ErrSyncAlreadyRunning
	}
	defer func() {
		if err := c.queue.Unclaim(context.WithoutCancel(pass), c.holder); err != nil {
			slog.Warn("failed to release drain lease", "error", err)
		}
	}()

	// Holding the lease with no send of ours in flight, anything still
	// syncing was abandoned by a crashed drain.
	if _, err := c.queue.Recover(pass); err != nil {
		return c.finish(pass, model.SyncStats{StartedAt: c.clock.Now()}, fmt.Errorf("sync: %w", err))
	}

	return c.drain(pass)
}

// Stop ends the current pass at its next record boundary, releasing an
// in-flight record back to pending, and makes later ManualSync calls
// return ErrStopped. Used on process shutdown.
func (c *Coordinator) Stop() {
	c.stop()
}

// Trigger asks Run to start a pass soon. Never blocks; requests made while
// one is already waiting collapse into it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every PeriodicInterval tick and on every Trigger until ctx
// is done. A tick while offline or while a pass is running is a no-op.
// A pass in progress when ctx is done finishes first; call Stop to cut it
// short. Returns ctx.Err().
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg.PeriodicInterval
	if interval <= 0 {
		interval = DefaultConfig().PeriodicInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sync coordinator starting", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx, "periodic")
		case <-c.trigger:
			c.tick(ctx, "trigger")
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, reason string) {
	stats, err := c.ManualSync(ctx)
	switch {
	case err == nil:
		slog.Debug("scheduled sync finished",
			"reason", reason,
			"success", stats.Success,
			"failure", stats.Failure,
			"remaining", stats.Remaining)
	case model.IsNotOnline(err), model.IsLockContention(err), errors.Is(err, ErrStopped):
		slog.Debug("scheduled sync skipped", "reason", reason, "cause", err)
	default:
		slog.Error("scheduled sync failed", "reason", reason, "error", err)
	}
}

// LastRun returns the most recent persisted pass. found is false if no run
// log is configured or nothing has run yet.
func (c *Coordinator) LastRun(ctx context.Context) (model.SyncRun, bool, error) {
	if c.runs == nil {
		return model.SyncRun{}, false, nil
	}
	run, found, err := c.runs.LastSyncRun(ctx)
	if err != nil {
		return model.SyncRun{}, false, fmt.Errorf("last run: %w", err)
	}
	return run, found, nil
}
