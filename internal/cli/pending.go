package cli

import (
	"github.com/spf13/cobra"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	deviceOptions
	Failed bool
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List drafts waiting for confirmation",
		Long: `List drafts that the relay has not confirmed yet.

With --failed, list drafts that exhausted their rejection budget instead.
Those stay local until 'carrier retry <key>' resets them.

Examples:
  carrier pending --db alice.db
  carrier pending --db alice.db --failed --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(opts, cmd)
		},
	}

	opts.addDatabaseFlag(cmd)
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "list failed drafts instead")

	return cmd
}

func runPending(opts *PendingOptions, cmd *cobra.Command) error {
	cfg, err := loadDeviceConfig(opts.RootOptions, &opts.deviceOptions)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	list := st.ListPending
	if opts.Failed {
		list = st.ListFailed
	}

	msgs, err := list(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list drafts", err)
	}
	return opts.formatter(cmd).Messages(msgs)
}
