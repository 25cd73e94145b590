package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/interceptor"
	"github.com/roach88/offsync/internal/netmon"
)

// shutdownTimeout bounds the urgent flush and HTTP drain on exit.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen   string
	Upstream string

	// Ready, if set, receives the bound listen address once the server
	// accepts connections (for testing).
	Ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the offline proxy and sync in the background",
		Long: `Start the offline proxy in front of an upstream application.

Reads through the proxy are cached; failed API writes are queued and
replayed by the sync loop, which runs periodically and whenever
connectivity is restored. On SIGINT/SIGTERM recent mutations are flushed
in one urgent request before the proxy shuts down.

Example:
  offsync run --upstream https://app.example.com --listen 127.0.0.1:8787
  offsync run --config offsync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "proxy listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Upstream, "upstream", "", "upstream application URL (overrides config)")

	return cmd
}

func runService(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Upstream != "" {
		cfg.Upstream = opts.Upstream
	}
	if cfg.Upstream == "" {
		return NewExitError(ExitCommandError, "an upstream URL is required (--upstream or upstream in config)")
	}
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil || upstream.Host == "" {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid upstream URL %q", cfg.Upstream), err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer e.Close()

	transport := interceptor.NewTransport(e.cache, e.queue,
		interceptor.WithPolicy(cfg.Policy()),
		interceptor.WithRequestTimeout(time.Duration(cfg.RequestTimeout)),
		interceptor.WithTTL(time.Duration(cfg.CacheStaticTTL), time.Duration(cfg.CacheDefaultTTL)),
		interceptor.WithReporter(e.monitor))
	handler := interceptor.NewServer(upstream, interceptor.Components{
		Queue:       e.queue,
		Cache:       e.cache,
		Monitor:     e.monitor,
		Coordinator: e.coord,
		Transport:   transport,
	})

	bg := interceptor.New(e.coord, e.monitor)
	bg.Start(ctx)
	defer bg.Stop()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("offsync starting",
		"listen", ln.Addr().String(),
		"upstream", upstream.String(),
		"db", cfg.Database)
	fmt.Fprintf(cmd.OutOrStdout(), "Proxying %s on http://%s\n", upstream, ln.Addr())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(e, srv)
	})
	g.Go(func() error {
		return ignoreCanceled(e.coord.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(e.cache.RunSweeper(gctx, time.Duration(cfg.CacheSweepInterval)))
	})
	if cfg.ProbeURL != "" {
		g.Go(func() error {
			prober := netmon.NewHTTPProber(cfg.ProbeURL)
			return ignoreCanceled(e.monitor.Run(gctx, prober, time.Duration(cfg.ProbeInterval)))
		})
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "offsync stopped", err)
	}
	slog.Info("offsync stopped gracefully")
	return nil
}

// shutdown flushes recent mutations urgently, stops any drain in progress,
// then stops the server.
func shutdown(e *env, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	n := e.coord.FlushUrgent(ctx)
	e.coord.Stop()
	if n > 0 {
		if err := e.coord.WaitUrgent(ctx); err != nil {
			slog.Warn("urgent flush did not finish", "records", n, "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
