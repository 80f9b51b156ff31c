package store

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/lumina/internal/config"
)

// Open connects the backend named by cfg.Storage.Type. For postgres it also
// applies pending migrations before returning.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Type {
	case config.StorageJSON:
		return OpenFile(cfg.Storage.JSONPath)
	case config.StorageSQLite:
		return OpenSQLite(cfg.Storage.SQLitePath)
	case config.StoragePostgres:
		if err := RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return nil, err
		}
		pool, err := Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
