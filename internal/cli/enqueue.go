package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Endpoint string
	Action   string
	Priority string
	Data     string
}

// EnqueueResult is the JSON output of the enqueue command.
type EnqueueResult struct {
	SyncID string `json:"sync_id"`
	Queued int    `json:"queued"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a mutation for background sync",
		Long: `Queue a mutation durably. It is sent by the next sync, in priority order.

Example:
  offsync enqueue --endpoint inventory --action submitInventory \
    --priority high --data '{"sku":"A-1","qty":3}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "logical endpoint name or URL (required)")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action name (required)")
	cmd.Flags().StringVar(&opts.Priority, "priority", string(model.PriorityNormal), "priority (high|normal|low)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "JSON payload (required)")
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
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

	id, err := e.queue.Enqueue(ctx, model.NewMutation{
		Endpoint: opts.Endpoint,
		Action:   opts.Action,
		Payload:  json.RawMessage(opts.Data),
		Priority: model.Priority(opts.Priority),
	})
	if err != nil {
		return f.Fail("enqueue", err)
	}
	n, err := e.queue.Len(ctx)
	if err != nil {
		return f.Fail("count queue", err)
	}

	return f.Success(EnqueueResult{SyncID: id, Queued: n},
		fmt.Sprintf("Queued %s (%d pending)", id, n))
}
