package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "offsync - offline-first sync engine",
		Long: `offsync keeps a client usable while its network comes and goes.

Writes made offline are queued durably and replayed in priority order
once the network returns; reads fall back to a TTL cache.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd.ErrOrStderr(), opts)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .cue)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// setupLogging installs the default slog handler: text or JSON to match
// --format, debug level with --verbose.
func setupLogging(w io.Writer, opts *RootOptions) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(w, hopts)
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	}
	slog.SetDefault(slog.New(handler))
}
