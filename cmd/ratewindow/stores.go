package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/toolink/ratewindow/config"
	"github.com/toolink/ratewindow/limiter"
	"github.com/toolink/ratewindow/pubsub"
	"github.com/toolink/ratewindow/redlock"
)

// backend holds the store and the connections it was built on.
type backend struct {
	store   limiter.Store
	redis   *redis.Client
	closers []func(context.Context) error
}

// Close releases every connection in reverse order of creation.
func (b *backend) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newRedisClient parses the URL and checks the connection.
func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", limiter.ErrStoreUnavailable, err)
	}
	log.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("connected to redis")
	return client, nil
}

// buildBackend opens the store selected by rate_limit.storage_type. A Redis
// client is also opened when the reset broadcast is enabled.
func buildBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}
	rl := cfg.RateLimit

	needRedis := rl.StorageType == limiter.StorageRedis || cfg.Redis.Broadcast || cfg.Redis.Register
	if needRedis {
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.redis = client
		b.closers = append(b.closers, func(context.Context) error { return client.Close() })
	}

	switch rl.StorageType {
	case limiter.StorageMemory:
		b.store = limiter.NewMemoryStore()

	case limiter.StorageRedis:
		b.store = limiter.NewRedisStore(b.redis, limiter.WithRedisPrefix(rl.KeyPrefix))

	case limiter.StoragePostgres:
		if cfg.Postgres.DSN == "" {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("%w: postgres.dsn is required for storage_type postgres", limiter.ErrInvalidConfig)
		}
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("%w: postgres connect: %w", limiter.ErrStoreUnavailable, err)
		}
		b.closers = append(b.closers, func(context.Context) error { pool.Close(); return nil })

		store := limiter.NewPostgresStore(pool, limiter.WithPostgresTable(cfg.Postgres.Table))
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				_ = b.Close(ctx)
				return nil, err
			}
		}
		b.store = store

	case limiter.StorageMongo:
		if cfg.Mongo.URI == "" {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("%w: mongo.uri is required for storage_type mongo", limiter.ErrInvalidConfig)
		}
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("%w: mongo connect: %w", limiter.ErrStoreUnavailable, err)
		}
		b.closers = append(b.closers, client.Disconnect)

		store := limiter.NewMongoStore(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = b.Close(ctx)
			return nil, err
		}
		b.store = store
	}

	log.Info().Str("storage", rl.StorageType).Msg("rate limit store ready")
	return b, nil
}

// limiterOptions wires the sweep lease and reset broadcast onto the Redis
// client when one is available. The returned broker, if any, must be closed.
func limiterOptions(cfg *config.Config, b *backend) ([]limiter.Option, *pubsub.Broker) {
	var opts []limiter.Option
	if b.redis == nil {
		return opts, nil
	}

	if cfg.RateLimit.StorageType != limiter.StorageMemory {
		opts = append(opts, limiter.WithSweepLock(
			redlock.NewLocker(b.redis, cfg.Redis.LockKey, redlock.WithTTL(cfg.Redis.LockTTL)),
		))
	}

	if !cfg.Redis.Broadcast {
		return opts, nil
	}
	broker := pubsub.New(
		pubsub.WithRedisClient(b.redis),
		pubsub.WithRedisChannelPrefix(cfg.RateLimit.KeyPrefix+"pubsub:"),
	)
	opts = append(opts, limiter.WithResetBroadcast(broker, ""))
	return opts, broker
}

// newLimiter builds the backend and the limiter on top of it.
func newLimiter(ctx context.Context, cfg *config.Config) (*limiter.RateLimiter, *backend, *pubsub.Broker, error) {
	b, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	opts, broker := limiterOptions(cfg, b)

	rl, err := limiter.NewRateLimiter(&cfg.RateLimit, b.store, opts...)
	if err != nil {
		if broker != nil {
			_ = broker.Close()
		}
		_ = b.Close(ctx)
		return nil, nil, nil, err
	}
	return rl, b, broker, nil
}
