package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/netmon"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// loadConfig reads --config and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// env is the set of components one command works with, all over a single
// store.
type env struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.Queue
	cache   *cache.Store
	monitor *netmon.Monitor
	coord   *engine.Coordinator
}

// openEnv opens the database and builds every component from cfg. With
// probe set and a probe_url configured, the monitor starts in the state
// one probe observes; otherwise it starts online.
func openEnv(ctx context.Context, cfg config.Config, probe bool) (*env, error) {
	online := true
	if probe && cfg.ProbeURL != "" {
		online = netmon.NewHTTPProber(cfg.ProbeURL).Probe(ctx)
		slog.Debug("connectivity probed", "url", cfg.ProbeURL, "online", online)
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, store.WithMaxPages(cfg.MaxDBPages))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	q, err := queue.Open(ctx, st, queue.WithConfig(cfg.Queue()))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open queue", err)
	}
	c, err := cache.New(st, cache.WithConfig(cfg.Cache()))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
	}

	mon := netmon.New(
		netmon.WithDebounce(time.Duration(cfg.Debounce)),
		netmon.WithInitialState(online))
	ep := remote.NewHTTPEndpoint(cfg.Endpoints)
	coord := engine.New(q, ep, mon,
		engine.WithConfig(cfg.Engine()),
		engine.WithRunLog(st))

	return &env{
		cfg:     cfg,
		store:   st,
		queue:   q,
		cache:   c,
		monitor: mon,
		coord:   coord,
	}, nil
}

// Close releases the components and the database.
func (e *env) Close() {
	e.monitor.Close()
	e.cache.Close()
	if err := e.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
