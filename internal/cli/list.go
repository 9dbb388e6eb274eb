package cli

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/store"
)

const defaultFollowInterval = time.Second

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	deviceOptions
	Follow   bool
	Interval time.Duration
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local messages in display order",
		Long: `List every message in the local database, ordered by the time it was
written on its device.

Status indicators:
  ` + "\u2713" + `  confirmed by the relay
  ` + "\u23f3" + `  pending, waiting to be sent
  ` + "\u2717" + `  failed after exhausting the rejection budget

With --follow the list is printed again whenever it changes, including
changes made by a 'carrier sync' running against the same database.

Examples:
  carrier list --db alice.db
  carrier list --db alice.db --follow
  carrier list --config carrier.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	opts.addDatabaseFlag(cmd)
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "re-print the list when it changes")
	cmd.Flags().DurationVar(&opts.Interval, "interval", defaultFollowInterval, "poll interval with --follow")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	cfg, err := loadDeviceConfig(opts.RootOptions, &opts.deviceOptions)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	f := opts.formatter(cmd)
	if !opts.Follow {
		msgs, err := st.ListOrderedByClientCreatedAt(commandContext(cmd))
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list messages", err)
		}
		return f.Messages(msgs)
	}

	ctx, cancel := signalContext(cmd, opts.logger(cmd, cfg))
	defer cancel()
	return followList(ctx, st, f, opts.Interval)
}

// followList prints the list, then prints it again on every change until
// ctx ends. Writes from this process arrive through the store's change
// feed; writes from other processes are picked up by polling.
func followList(ctx context.Context, st *store.Store, f *OutputFormatter, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultFollowInterval
	}
	changes, unsubscribe := st.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last []byte
	for {
		msgs, err := st.ListOrderedByClientCreatedAt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return WrapExitError(ExitFailure, "failed to list messages", err)
		}

		snapshot, err := model.Snapshot("list", msgs)
		if err != nil {
			return err
		}
		if !bytes.Equal(snapshot, last) {
			if last != nil && f.Format != "json" {
				fmt.Fprintln(f.Writer)
			}
			if err := f.Messages(msgs); err != nil {
				return err
			}
			last = snapshot
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		case <-ticker.C:
		}
	}
}
