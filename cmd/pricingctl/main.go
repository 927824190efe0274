// Command pricingctl inspects and edits the versioned rate table and runs
// estimates from the command line, against the same store the server uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/config"
	"github.com/Simplici0/cabinetry/internal/logger"
	"github.com/Simplici0/cabinetry/internal/storage"
	"github.com/Simplici0/cabinetry/internal/versions"
)

// app carries what every subcommand needs. The store is opened lazily so
// commands that only touch the schema never dial a backend.
type app struct {
	loadConfig func() (config.Config, error)

	cfg   config.Config
	log   *zap.Logger
	store *versions.Store
	close func() error
}

func newApp() *app {
	return &app{loadConfig: config.Load}
}

func (a *app) openStore(ctx context.Context) (*versions.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	backend, closeFn, err := storage.Open(ctx, a.cfg, a.log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.StorageBackend, err)
	}
	a.close = closeFn
	a.store = versions.NewStore(backend, versions.Options{
		MaxAttempts:  uint64(a.cfg.StoreMaxAttempts),
		RetryBackoff: a.cfg.StoreRetryBackoff,
		Logger:       a.log,
	})
	return a.store, nil
}

func (a *app) shutdown() error {
	if a.log != nil {
		_ = a.log.Sync()
	}
	if a.close == nil {
		return nil
	}
	err := a.close()
	a.close = nil
	a.store = nil
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "pricingctl",
		Short: "Cabinet pricing and rate table administration",
		Long: `pricingctl runs cabinet cost estimates and manages the versioned
rate table: show, import and export the current configuration, browse
the version log and restore earlier versions.

Storage is configured the same way as the server, through config.yaml,
.env and environment variables (STORAGE_BACKEND, DB_PATH, ...).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
				cfg.StorageBackend = backend
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.LogLevel = level
			}

			a.cfg = cfg
			a.log = logger.New(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.shutdown()
		},
	}

	root.PersistentFlags().String("backend", "", "Override the storage backend (sqlite, postgres, file, redis, dynamodb)")
	root.PersistentFlags().String("log-level", "", "Override the log level (debug, info, warn, error)")

	root.AddCommand(estimateCmd(a))
	root.AddCommand(configCmd(a))
	root.AddCommand(versionsCmd(a))
	root.AddCommand(migrateCmd(a))
	root.AddCommand(seedCmd(a))

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()
	err := newRootCmd(a).ExecuteContext(ctx)
	// PersistentPostRunE is skipped when a command fails.
	_ = a.shutdown()
	if err != nil {
		os.Exit(1)
	}
}
