package main

import (
	"context"
	"fmt"

	"github.com/dafibh/fortuna/budget-ledger/internal/catalog"
	"github.com/dafibh/fortuna/budget-ledger/internal/config"
	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/dafibh/fortuna/budget-ledger/internal/handler"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/memory"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/postgres"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/sqlite"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/storage"
	"github.com/dafibh/fortuna/budget-ledger/internal/repository/supabase"
	"github.com/dafibh/fortuna/budget-ledger/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// backend is an opened persistence gateway with its lifecycle hooks
type backend struct {
	store  domain.LedgerStore
	pinger handler.Pinger
	close  func()
}

// openStore connects the gateway selected by STORE_DRIVER
func openStore(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		log.Info().Msg("Connected to database")
		store := postgres.NewLedgerStore(pool)
		return &backend{store: store, pinger: store, close: pool.Close}, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("Opened sqlite ledger")
		return &backend{store: store, pinger: store, close: func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close sqlite ledger")
			}
		}}, nil

	case config.DriverSupabase:
		store, err := supabase.NewStore(cfg.Supabase.URL, cfg.Supabase.Key)
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.Supabase.URL).Msg("Using supabase ledger")
		return &backend{store: store, close: func() {}}, nil

	case config.DriverMemory:
		log.Warn().Msg("Using in-memory ledger, data is lost on exit")
		return &backend{store: memory.NewStore(), close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// loadCatalog reads the category catalog from CATALOG_SOURCE, using S3 when it is an s3:// URL
func loadCatalog(ctx context.Context, cfg *config.Config) (domain.Catalog, error) {
	var fetcher catalog.ObjectFetcher
	if _, _, ok := catalog.ParseS3URL(cfg.CatalogSource); ok {
		s3Fetcher, err := storage.NewS3ObjectFetcher(ctx, cfg.S3)
		if err != nil {
			return domain.Catalog{}, err
		}
		fetcher = s3Fetcher
	}

	cat, err := catalog.Load(ctx, cfg.CatalogSource, fetcher)
	if err != nil {
		return domain.Catalog{}, err
	}
	log.Info().
		Str("source", cfg.CatalogSource).
		Strs("categories", cat.Names()).
		Msg("Loaded category catalog")
	return cat, nil
}

// newLedger builds the reconciliation engine over an opened store
func newLedger(ctx context.Context, cfg *config.Config, store domain.LedgerStore, notifier domain.ChangeNotifier) (*service.LedgerService, error) {
	cat, err := loadCatalog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	policy := service.NewAllocationPolicy(cat, cfg.DefaultTotalBudget)
	return service.NewLedgerService(store, policy, notifier, log.Logger, service.LedgerServiceConfig{
		StoreTimeout: cfg.StoreTimeout,
	}), nil
}
