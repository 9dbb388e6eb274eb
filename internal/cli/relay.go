package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/relay"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen   string
	Database string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		Long: `Run the relay: the authoritative store that assigns server identities.

Endpoints:
  GET  /healthz                     liveness probe
  POST /v1/messages                 insert a draft (idempotent by key)
  GET  /v1/owners/{owner}/messages  full history for an owner
  GET  /v1/owners/{owner}/inserts   WebSocket feed of new records
  GET  /metrics                     Prometheus metrics

Examples:
  carrier relay
  carrier relay --listen :8484 --db /var/lib/carrier/relay.db
  carrier relay --config relay.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default relay.listen_addr)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the relay database (default relay.database_path)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Relay.ListenAddr = opts.Listen
	}
	if opts.Database != "" {
		cfg.Relay.DatabasePath = opts.Database
	}
	logger := opts.logger(cmd, cfg)

	st, err := relay.OpenStore(cfg.Relay.DatabasePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open relay database", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing relay database", "error", err)
		}
	}()

	srv := relay.New(st, relay.Options{
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		InsertRate:     cfg.Relay.InsertRate,
		InsertBurst:    cfg.Relay.InsertBurst,
		Logger:         logger,
	})

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	fmt.Fprintf(cmd.ErrOrStderr(), "Relay listening on %s. Press Ctrl-C to stop.\n", cfg.Relay.ListenAddr)
	if err := srv.Run(ctx, cfg.Relay.ListenAddr); err != nil {
		return WrapExitError(ExitFailure, "relay error", err)
	}
	logger.Info("relay stopped gracefully")
	return nil
}
