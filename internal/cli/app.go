package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/config"
	"github.com/roach88/carrier/internal/connectivity"
	"github.com/roach88/carrier/internal/engine"
	"github.com/roach88/carrier/internal/remote"
	"github.com/roach88/carrier/internal/store"
)

// deviceOptions holds the flags shared by commands that act as a device.
// Non-empty values override the config file.
type deviceOptions struct {
	Database string
	Owner    string
	Remote   string
}

func (d *deviceOptions) addDatabaseFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.Database, "db", "", "path to the local database (default from config)")
}

func (d *deviceOptions) addSessionFlags(cmd *cobra.Command) {
	d.addDatabaseFlag(cmd)
	cmd.Flags().StringVar(&d.Owner, "owner", "", "signed-in owner id (default session.owner_id)")
	cmd.Flags().StringVar(&d.Remote, "remote", "", "relay base URL (default remote.base_url)")
}

// apply folds flag overrides into cfg.
func (d *deviceOptions) apply(cfg *config.Config) {
	if d.Database != "" {
		cfg.Database.Path = d.Database
	}
	if d.Owner != "" {
		cfg.Session.OwnerID = d.Owner
	}
	if d.Remote != "" {
		cfg.Remote.BaseURL = d.Remote
	}
}

// device is an opened local store with a running engine.
type device struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	engine  *engine.Engine
	monitor connectivity.Monitor
	prober  *connectivity.Prober // nil unless connectivity.mode is probe
	cancel  context.CancelFunc
}

// loadDeviceConfig reads the config and applies flag overrides.
func loadDeviceConfig(root *RootOptions, dev *deviceOptions) (*config.Config, error) {
	cfg, err := root.loadConfig()
	if err != nil {
		return nil, err
	}
	dev.apply(cfg)
	return cfg, nil
}

// openStore opens an existing local database. Read-only commands never
// create one.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := requireDatabase(cfg); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// requireDatabase fails when the configured database does not exist.
func requireDatabase(cfg *config.Config) error {
	if _, err := os.Stat(cfg.Database.Path); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", cfg.Database.Path))
	}
	return nil
}

// requireOwner returns the session owner or a command error.
func requireOwner(cfg *config.Config) (string, error) {
	if cfg.Session.OwnerID == "" {
		return "", NewExitError(ExitCommandError, "owner is required: pass --owner or set session.owner_id")
	}
	return cfg.Session.OwnerID, nil
}

// newRemote builds the remote client and monitor for cfg.
//
// Without a base URL the device is permanently offline: drafts are kept
// and sent by a later sync. In probe mode one ping runs before returning
// so that the engine starts with a real reachability value.
func newRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Client, connectivity.Monitor, *connectivity.Prober, error) {
	if cfg.Remote.BaseURL == "" {
		logger.Debug("no remote configured, working offline")
		return remote.Offline{}, connectivity.NewManual(false), nil, nil
	}

	client, err := remote.NewHTTPClient(cfg.Remote.BaseURL,
		remote.WithRequestTimeout(cfg.Remote.RequestTimeout),
		remote.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "invalid remote", err)
	}

	if cfg.Connectivity.Mode == config.ModeAlways {
		return client, connectivity.NewManual(true), nil, nil
	}

	prober := connectivity.NewProber(client, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, logger)
	prober.Probe(ctx)
	return client, prober, prober, nil
}

// openDevice opens (or creates) the local database and starts an engine
// over it. Callers must Close the device.
func openDevice(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*device, error) {
	client, mon, prober, err := newRemote(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	logger.Debug("database ready", "path", cfg.Database.Path)

	eng := engine.New(st, client, mon,
		engine.WithMaxRejections(cfg.Sync.MaxRejectionsOrDefault()),
		engine.WithSendWorkers(cfg.Sync.SendWorkers),
		engine.WithSendTimeout(cfg.Sync.SendTimeout),
		engine.WithCatchUpOnReconnect(cfg.Sync.CatchUpEnabled()),
		engine.WithLogger(logger),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := eng.Run(runCtx); err != nil && err != context.Canceled {
			logger.Error("engine stopped", "error", err)
		}
	}()

	return &device{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		engine:  eng,
		monitor: mon,
		prober:  prober,
		cancel:  cancel,
	}, nil
}

// settle waits for the engine to go idle, bounded by the send timeout. A
// timeout is not an error: the outcome is whatever the store holds.
func (d *device) settle(ctx context.Context) {
	if !d.monitor.Reachable() {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, d.cfg.Sync.SendTimeout+d.cfg.Remote.RequestTimeout)
	defer cancel()
	if err := d.engine.WaitIdle(wctx); err != nil {
		d.logger.Warn("sync still in progress", "error", err)
	}
}

// Close drains the engine and closes the store.
func (d *device) Close() {
	d.engine.Stop()
	select {
	case <-d.engine.Done():
	case <-time.After(d.cfg.Sync.SendTimeout + time.Second):
		d.logger.Warn("engine did not stop in time")
	}
	d.cancel()
	<-d.engine.Done()
	if err := d.store.Close(); err != nil {
		d.logger.Error("error closing database", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, or when
// the command's own context ends (tests).
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// commandContext returns the command's context, or Background.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
