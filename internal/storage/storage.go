// Package storage builds the configured versions.Backend.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/config"
	"github.com/Simplici0/cabinetry/internal/db"
	"github.com/Simplici0/cabinetry/internal/migrations"
	"github.com/Simplici0/cabinetry/internal/storage/dynamostore"
	"github.com/Simplici0/cabinetry/internal/storage/filestore"
	"github.com/Simplici0/cabinetry/internal/storage/redisstore"
	"github.com/Simplici0/cabinetry/internal/storage/sqlstore"
	"github.com/Simplici0/cabinetry/internal/versions"
)

// Open connects the primary backend named by cfg.StorageBackend, running SQL
// migrations where needed, and wraps it with the configured fallback. When the
// primary cannot be reached and a fallback exists, Open returns the fallback
// alone. The returned func releases every connection.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (versions.Backend, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}

	primary, closePrimary, err := openPrimary(ctx, cfg, log)

	if cfg.StorageFallback != config.FallbackFile {
		if err != nil {
			return nil, nil, err
		}
		return primary, closePrimary, nil
	}

	secondary := filestore.New(cfg.FilePath)
	if err != nil {
		log.Warn("primary store unavailable at startup, running on fallback only",
			zap.String("primary", cfg.StorageBackend),
			zap.String("fallback", secondary.Name()),
			zap.Error(err),
		)
		return secondary, func() error { return nil }, nil
	}
	return versions.WithFallback(primary, secondary, log), closePrimary, nil
}

func openPrimary(ctx context.Context, cfg config.Config, log *zap.Logger) (versions.Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.StorageBackend {
	case config.BackendSQLite:
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.Up(ctx, database, migrations.DialectSQLite); err != nil {
			database.Close()
			return nil, nil, err
		}
		return sqlstore.New(database, migrations.DialectSQLite, log), database.Close, nil

	case config.BackendPostgres:
		database, err := db.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.Up(ctx, database, migrations.DialectPostgres); err != nil {
			database.Close()
			return nil, nil, err
		}
		return sqlstore.New(database, migrations.DialectPostgres, log), database.Close, nil

	case config.BackendFile:
		return filestore.New(cfg.FilePath), noop, nil

	case config.BackendRedis:
		client, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.New(client, cfg.RedisPrefix), client.Close, nil

	case config.BackendDynamoDB:
		client, err := dynamostore.NewClient(ctx, cfg.AWSRegion, cfg.DynamoDBEndpoint)
		if err != nil {
			return nil, nil, err
		}
		return dynamostore.New(client, cfg.DynamoDBTable), noop, nil
	}

	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
