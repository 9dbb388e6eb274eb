package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/store"
)

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	deviceOptions
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry <correlation-key>",
		Short: "Reset a failed draft and send it again",
		Long: `Move a failed draft back to pending with a fresh rejection budget.

If the relay is reachable the draft is sent at once and the command waits
for the outcome.

Exit codes:
  0 - Draft reset
  1 - No failed draft has that key
  2 - Command error (database not found, bad config)

Examples:
  carrier retry --db alice.db 0190a3c2-7f6e-7c1b-9d2a-5b8e4f1a2c3d`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(opts, args[0], cmd)
		},
	}

	opts.addDatabaseFlag(cmd)
	cmd.Flags().StringVar(&opts.Remote, "remote", "", "relay base URL (default remote.base_url)")

	return cmd
}

func runRetry(opts *RetryOptions, key string, cmd *cobra.Command) error {
	cfg, err := loadDeviceConfig(opts.RootOptions, &opts.deviceOptions)
	if err != nil {
		return err
	}
	if err := requireDatabase(cfg); err != nil {
		return err
	}
	logger := opts.logger(cmd, cfg)
	ctx := commandContext(cmd)

	dev, err := openDevice(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.engine.Retry(ctx, key); err != nil {
		if store.IsNotFound(err) {
			return WrapExitError(ExitFailure, fmt.Sprintf("no failed draft with key %s", key), err)
		}
		return WrapExitError(ExitFailure, "retry failed", err)
	}

	dev.settle(ctx)
	msg, err := dev.store.FindByCorrelationKey(ctx, key)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read draft", err)
	}
	return opts.formatter(cmd).Message(msg)
}
