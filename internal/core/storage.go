package core

import (
	"context"
	"fmt"
	"log/slog"

	"cropstore/internal/config"
	"cropstore/internal/infra/persistence/memory"
	"cropstore/internal/infra/persistence/postgres"
	"cropstore/internal/infra/persistence/sqlite"
	"cropstore/internal/records"
)

// StorageDriver identifies a concrete record backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = config.StorageMemory   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = config.StorageSQLite   // embedded sqlite file
	StoragePostgres StorageDriver = config.StoragePostgres // PostgreSQL server
)

// backend is an opened record database serving every kind.
type backend struct {
	driver   StorageDriver
	tables   func(records.Kind) (records.Store, records.View)
	resolver records.DimensionResolver
	close    func() error
}

// openBackend selects a backend by driver. Defaults to sqlite when unset.
func openBackend(ctx context.Context, cfg config.Storage, logger *slog.Logger) (*backend, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		db := memory.NewDB()
		return &backend{
			driver: driver,
			tables: func(k records.Kind) (records.Store, records.View) { s := db.Store(k); return s, s },
			close:  func() error { return nil },
		}, nil
	case StorageSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			driver: driver,
			tables: func(k records.Kind) (records.Store, records.View) { s := db.Store(k); return s, s },
			close:  db.Close,
		}, nil
	case StoragePostgres:
		db, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b := &backend{
			driver: driver,
			tables: func(k records.Kind) (records.Store, records.View) { s := db.Store(k); return s, s },
			close:  db.Close,
		}
		if cfg.ResolveDimensions {
			b.resolver = db.Resolver()
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
