package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/model"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Long: `Send every due queued mutation to its endpoint, once.

If probe_url is configured, connectivity is probed first and the pass is
refused (NOT_ONLINE) when the probe fails.

Exit codes:
  0 - Pass completed (records may remain queued for retry)
  1 - Pass refused or aborted
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail("load config", err)
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx, cfg, true)
	if err != nil {
		return f.Fail("open", err)
	}
	defer e.Close()

	stats, err := e.coord.ManualSync(ctx)
	if err != nil {
		return f.Fail("sync", err)
	}
	return f.Success(stats, fmt.Sprintf("Synced %d, failed %d, %d remaining",
		stats.Success, stats.Failure, stats.Remaining))
}

// StatusResult is the JSON output of the status command.
type StatusResult struct {
	Queue   model.QueueStats `json:"queue"`
	Cache   cache.Stats      `json:"cache"`
	LastRun *model.SyncRun   `json:"last_run,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show queue, cache and last sync",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail("load config", err)
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx, cfg, false)
	if err != nil {
		return f.Fail("open", err)
	}
	defer e.Close()

	var st StatusResult
	if st.Queue, err = e.queue.Stats(ctx); err != nil {
		return f.Fail("queue stats", err)
	}
	if st.Cache, err = e.cache.Stats(ctx); err != nil {
		return f.Fail("cache stats", err)
	}
	run, found, err := e.coord.LastRun(ctx)
	if err != nil {
		return f.Fail("last run", err)
	}
	if found {
		st.LastRun = &run
	}
	return f.Success(st, formatStatus(st))
}

func formatStatus(st StatusResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d pending (high %d, normal %d, low %d)\n",
		st.Queue.Total,
		st.Queue.ByPriority[model.PriorityHigh],
		st.Queue.ByPriority[model.PriorityNormal],
		st.Queue.ByPriority[model.PriorityLow])
	fmt.Fprintf(&b, "Cache: %d entries (%d expired)\n", st.Cache.Entries, st.Cache.Expired)
	if st.LastRun == nil {
		b.WriteString("Last sync: never")
		return b.String()
	}
	fmt.Fprintf(&b, "Last sync: %s, synced %d, failed %d, %d remaining",
		st.LastRun.EndedAt.Format("2006-01-02 15:04:05"),
		st.LastRun.Success, st.LastRun.Failure, st.LastRun.Remaining)
	if st.LastRun.Error != "" {
		fmt.Fprintf(&b, " (error: %s)", st.LastRun.Error)
	}
	return b.String()
}
