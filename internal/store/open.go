package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects and configures a Store implementation.
type Options struct {
	// DatabaseURL selects PostgreSQL; empty falls back to memory.
	DatabaseURL string
	// Migrate applies the embedded schema on connect.
	Migrate bool
	// RedisURL wraps PostgreSQL with the read-through cache.
	RedisURL string
	RedisTTL time.Duration
}

// Open builds the store described by opts. The returned cleanup closes
// every connection Open made and is never nil.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if opts.DatabaseURL == "" {
		logger.Warn("database url not set, using in-memory store (data will not persist)")
		return NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, closeAll, fmt.Errorf("connect postgres: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("ping postgres: %w", err)
	}

	pg := NewPostgresStore(pool)
	if opts.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, func() {}, err
		}
	}
	logger.Info("connected to PostgreSQL", "migrated", opts.Migrate)

	var st Store = pg
	if opts.RedisURL != "" {
		ropt, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(ropt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = NewCachedStore(st, rdb, opts.RedisTTL)
		logger.Info("Redis cache enabled", "ttl", opts.RedisTTL)
	}
	return st, closeAll, nil
}
