package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/engine"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	deviceOptions
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <content...>",
		Short: "Write a message and send it when the relay is reachable",
		Long: `Write a message to the local database as a pending draft.

If the relay is reachable the command waits for the confirmation and prints
the confirmed record. Otherwise the draft is kept and sent by a later
'carrier sync'.

Examples:
  carrier send --db alice.db --owner alice "hello there"
  carrier send --config carrier.yaml lunch at noon
  carrier send --owner alice --remote http://127.0.0.1:8484 --format json hi`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, strings.Join(args, " "), cmd)
		},
	}

	opts.addSessionFlags(cmd)
	return cmd
}

func runSend(opts *SendOptions, content string, cmd *cobra.Command) error {
	cfg, err := loadDeviceConfig(opts.RootOptions, &opts.deviceOptions)
	if err != nil {
		return err
	}
	owner, err := requireOwner(cfg)
	if err != nil {
		return err
	}
	logger := opts.logger(cmd, cfg)
	ctx := commandContext(cmd)

	dev, err := openDevice(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

	msg, err := dev.engine.CreateAndSend(ctx, owner, content)
	if err != nil {
		if engine.IsInvalidMessage(err) {
			return WrapExitError(ExitCommandError, "invalid message", err)
		}
		return WrapExitError(ExitFailure, "send failed", err)
	}

	dev.settle(ctx)
	if latest, err := dev.store.FindByCorrelationKey(ctx, msg.CorrelationKey); err == nil {
		msg = latest
	}

	return opts.formatter(cmd).Message(msg)
}
