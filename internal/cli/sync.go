package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/remote"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	deviceOptions
	Once bool
}

// SyncSummary is the result of a one-shot sync.
type SyncSummary struct {
	Owner    string `json:"owner"`
	Replayed int    `json:"replayed"`
	Messages int    `json:"messages"`
	Pending  int    `json:"pending"`
	Failed   int    `json:"failed"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep the local database in sync with the relay",
		Long: `Attach the owner to the relay and keep the local database in sync.

The command subscribes to live inserts, fetches the owner's history and
sends every pending draft. Each time the relay becomes reachable again the
pending drafts are replayed and the history is fetched again. It runs until
interrupted.

With --once it performs a single pass (attach, replay, wait) and exits.

Exit codes:
  0 - Sync completed (or daemon stopped by a signal)
  1 - Relay unreachable with --once
  2 - Command error (no remote configured, missing owner, bad config)

Examples:
  carrier sync --db alice.db --owner alice --remote http://127.0.0.1:8484
  carrier sync --config carrier.yaml --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	opts.addSessionFlags(cmd)
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single sync pass and exit")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	cfg, err := loadDeviceConfig(opts.RootOptions, &opts.deviceOptions)
	if err != nil {
		return err
	}
	owner, err := requireOwner(cfg)
	if err != nil {
		return err
	}
	if cfg.Remote.BaseURL == "" {
		return NewExitError(ExitCommandError, "no remote configured: pass --remote or set remote.base_url")
	}
	logger := opts.logger(cmd, cfg)

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	dev, err := openDevice(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

	if opts.Once {
		return syncOnce(ctx, opts, dev, owner, cmd)
	}

	if dev.prober != nil {
		go dev.prober.Run(ctx)
	}

	if err := dev.engine.Attach(ctx, owner); err != nil {
		if !remote.IsNetwork(err) {
			return WrapExitError(ExitFailure, "attach failed", err)
		}
		logger.Warn("initial catch-up failed, will retry on reconnect", "error", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Syncing %s with %s. Press Ctrl-C to stop.\n", owner, cfg.Remote.BaseURL)
	<-ctx.Done()
	logger.Info("sync stopped")
	return nil
}

func syncOnce(ctx context.Context, opts *SyncOptions, dev *device, owner string, cmd *cobra.Command) error {
	if !dev.monitor.Reachable() {
		return NewExitError(ExitFailure, fmt.Sprintf("relay unreachable: %s", dev.cfg.Remote.BaseURL))
	}

	if err := dev.engine.Attach(ctx, owner); err != nil {
		return WrapExitError(ExitFailure, "catch-up failed", err)
	}
	replayed, err := dev.engine.ReplayPending(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "replay failed", err)
	}
	dev.settle(ctx)

	summary := SyncSummary{Owner: owner, Replayed: replayed}
	msgs, err := dev.store.ListOrderedByClientCreatedAt(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list messages", err)
	}
	summary.Messages = len(msgs)
	for _, m := range msgs {
		switch {
		case m.IsPending():
			summary.Pending++
		case !m.IsConfirmed():
			summary.Failed++
		}
	}

	f := opts.formatter(cmd)
	if f.Format == "json" {
		return f.Success(summary)
	}
	return f.Success(fmt.Sprintf("Synced %s: %d messages, %d pending, %d failed",
		summary.Owner, summary.Messages, summary.Pending, summary.Failed))
}
