package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Path   string         `json:"path"`
	Valid  bool           `json:"valid"`
	Config *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a config file",
		Long: `Check a YAML or CUE config file against the configuration schema
without opening the database. With --verbose the effective configuration
(defaults plus file) is printed.

Exit codes:
  0 - Config is valid
  1 - Config is invalid`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	cfg, err := config.Load(path)
	if err != nil {
		_ = f.Error("E_INVALID_CONFIG", err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}

	res := ValidationResult{Path: path, Valid: true}
	text := fmt.Sprintf("✓ %s is valid", path)
	if opts.Verbose {
		res.Config = &cfg
		text += fmt.Sprintf("\n  database: %s\n  listen: %s\n  max_retries: %d\n  base_backoff: %s\n  max_backoff: %s\n  periodic_sync_interval: %s",
			cfg.Database, cfg.Listen, cfg.MaxRetries, cfg.BaseBackoff, cfg.MaxBackoff, cfg.PeriodicSyncInterval)
	}
	return f.Success(res, text)
}
