package main

import (
	"context"
	"fmt"

	"github.com/dafibh/fortuna/budget-ledger/internal/config"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/postgres"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables for the postgres or sqlite driver",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithoutAuth()
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
	case config.DriverSQLite:
		// Opening applies the schema
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("driver %q has no schema to migrate", cfg.StoreDriver)
	}

	log.Info().Str("driver", cfg.StoreDriver).Msg("Ledger schema applied")
	return nil
}
