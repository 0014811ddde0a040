package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chatflow/api/pkg/config"
	"chatflow/api/pkg/db"
	"chatflow/api/services/conversation"
	"chatflow/api/services/flow"
)

// backend holds the flow repository, execution store and locker selected by the config.
type backend struct {
	flows   flow.Repository
	store   conversation.Store
	locker  conversation.Locker
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

const redisKeyPrefix = "chatflow:"

type schemaInitializer interface {
	InitSchema(ctx context.Context) error
}

// openBackend connects the configured store. Flows and execution contexts share the
// backend. When migrate is set, SQL schemas are created.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*backend, error) {
	b := &backend{}
	var schemas []schemaInitializer

	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.flows = flow.NewMemoryRepository()
		b.store = conversation.NewMemoryStore()

	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		repo := flow.NewPostgresRepository(pool)
		store := conversation.NewPostgresStore(pool)
		b.flows, b.store = repo, store
		schemas = append(schemas, repo, store)

	case config.BackendSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { sqlDB.Close() })
		repo := flow.NewSQLiteRepository(sqlDB)
		store := conversation.NewSQLiteStore(sqlDB)
		b.flows, b.store = repo, store
		schemas = append(schemas, repo, store)

	case config.BackendRedis:
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { client.Close() })
		b.flows = flow.NewRedisRepository(client, redisKeyPrefix)
		b.store = conversation.NewRedisStore(client, conversation.WithKeyPrefix(redisKeyPrefix))

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if migrate {
		for _, s := range schemas {
			if err := s.InitSchema(ctx); err != nil {
				b.Close()
				return nil, err
			}
		}
	}

	if cfg.Engine.DistributedLock {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { client.Close() })
		b.locker = conversation.NewRedisLocker(client, redisKeyPrefix, cfg.Redis.LockTTL)
	} else {
		b.locker = conversation.NewLocalLocker()
	}

	logger.Info("Store backend ready", "backend", cfg.Store.Backend, "distributedLock", cfg.Engine.DistributedLock)
	return b, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
