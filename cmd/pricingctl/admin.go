package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/config"
	"github.com/Simplici0/cabinetry/internal/db"
	"github.com/Simplici0/cabinetry/internal/migrations"
	"github.com/Simplici0/cabinetry/internal/seed"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL schema migrations",
		Long: `Migrate brings the sqlite or postgres schema up to date. Other
backends keep no schema and are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				database *sql.DB
				dialect  string
				err      error
			)
			switch a.cfg.StorageBackend {
			case config.BackendSQLite:
				dialect = migrations.DialectSQLite
				database, err = db.Open(a.cfg.DBPath)
			case config.BackendPostgres:
				dialect = migrations.DialectPostgres
				database, err = db.OpenPostgres(cmd.Context(), a.cfg.PostgresDSN)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "backend %s has no schema to migrate\n", a.cfg.StorageBackend)
				return nil
			}
			if err != nil {
				return err
			}
			defer database.Close()

			if err := migrations.Up(cmd.Context(), database, dialect); err != nil {
				return err
			}
			version, err := migrations.Version(cmd.Context(), database, dialect)
			if err != nil {
				return err
			}

			a.log.Info("migrations applied", zap.String("dialect", dialect), zap.Int64("version", version))
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func seedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Record the default rate table when the version log is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := seed.RunDefaults(cmd.Context(), store)
			if err != nil {
				return err
			}

			if stats.Inserts == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "version log already populated, nothing seeded")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d version(s)\n", stats.Inserts)
			return nil
		},
	}
}
