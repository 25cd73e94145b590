package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the queue as JSON to stdout",
		Long: `Write every queued mutation as an indented JSON document to stdout.
The output is the same with --format text and --format json.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(rootOpts, cmd)
		},
	}
}

func runExport(opts *RootOptions, cmd *cobra.Command) error {
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

	if err := e.queue.Export(ctx, cmd.OutOrStdout()); err != nil {
		return f.Fail("export", err)
	}
	return nil
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import [snapshot-file]",
		Short: "Restore queued mutations from an export",
		Long: `Restore mutations from a snapshot written by export. Reads stdin when no
file (or "-") is given. Records keep their ids and retry state; ids already
queued are skipped. Imported records queue behind existing ones of the
same priority.

Example:
  offsync export > queue.json
  offsync --db other.db import queue.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, cmd, args)
		},
	}
}

func runImport(opts *RootOptions, cmd *cobra.Command, args []string) error {
	f := newFormatter(opts, cmd)

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		file, err := os.Open(args[0])
		if err != nil {
			return f.Fail("import", WrapExitError(ExitCommandError, "failed to open snapshot", err))
		}
		defer file.Close()
		in = file
	}

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

	res, err := e.queue.Import(ctx, in)
	if err != nil {
		return f.Fail("import", err)
	}
	return f.Success(res, fmt.Sprintf("Imported %d mutations, skipped %d", res.Imported, len(res.Skipped)))
}

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	Cache  bool
	Queue  bool
	Prefix string
}

// ClearResult is the JSON output of the clear command.
type ClearResult struct {
	CacheEntries int   `json:"cache_entries"`
	Mutations    int64 `json:"mutations"`
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached entries and/or queued mutations",
		Long: `Drop cached entries (--cache, optionally limited by --prefix) and/or
every queued mutation (--queue). Dropped mutations are never sent.

A running proxy keeps an in-memory copy of recently read entries; clear
its cache with DELETE /_offsync/cache instead so that copy is dropped too.

Example:
  offsync clear --cache --prefix "GET https://api.example.com/"
  offsync clear --queue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Cache, "cache", false, "clear the cache")
	cmd.Flags().BoolVar(&opts.Queue, "queue", false, "clear the mutation queue")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only clear cache keys with this prefix")
	cmd.MarkFlagsOneRequired("cache", "queue")

	return cmd
}

func runClear(opts *ClearOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Prefix != "" && !opts.Cache {
		return f.Fail("clear", NewExitError(ExitCommandError, "--prefix requires --cache"))
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail("load config", err)
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx, cfg, false)
	if err != nil {
		return f.Fail("open", err)
	}
	defer e.Close()

	var res ClearResult
	if opts.Cache {
		if res.CacheEntries, err = e.cache.Clear(ctx, opts.Prefix); err != nil {
			return f.Fail("clear cache", err)
		}
	}
	if opts.Queue {
		if res.Mutations, err = e.queue.Clear(ctx); err != nil {
			return f.Fail("clear queue", err)
		}
	}
	return f.Success(res, fmt.Sprintf("Removed %d cache entries and %d mutations",
		res.CacheEntries, res.Mutations))
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sweep",
		Short:         "Remove expired cache entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return f.Fail("load config", err)
			}
			e, err := openEnv(cmd.Context(), cfg, false)
			if err != nil {
				return f.Fail("open", err)
			}
			defer e.Close()

			n, err := e.cache.Sweep(cmd.Context())
			if err != nil {
				return f.Fail("sweep", err)
			}
			return f.Success(map[string]int{"removed": n}, fmt.Sprintf("Removed %d expired entries", n))
		},
	}
}
