package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var redisLimiterScript string // embed the lua script content

var redisScript = redis.NewScript(redisLimiterScript)

// RedisStore implements the Store interface using Redis hashes.
// The increment runs as a Lua script so the read-decide-write is atomic on the server.
type RedisStore struct {
	client redis.Cmdable // Cmdable keeps ClusterClient and FailoverClient usable
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the namespace prepended to every key. Default "ratelimit:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a new Redis rate record store.
// It expects a pre-configured redis.Cmdable (e.g., redis.Client or redis.ClusterClient).
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Increment implements the Store interface for Redis storage.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	args := []any{
		now.UnixMilli(),       // ARGV[1]: current time
		window.Milliseconds(), // ARGV[2]: window length
	}

	res, err := redisScript.Run(ctx, s.client, []string{s.key(key)}, args...).Int64Slice()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return Record{}, fmt.Errorf("%w: redis increment for key %s: %w", ErrStoreUnavailable, key, err)
	}
	if len(res) != 2 {
		return Record{}, fmt.Errorf("%w: unexpected redis script result for key %s: %v", ErrStoreUnavailable, key, res)
	}

	return Record{
		Count:       res[0],
		WindowStart: time.UnixMilli(res[1]),
		Window:      window,
	}, nil
}

// Get implements the Store interface for Redis storage.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "count", "start", "window").Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: redis get for key %s: %w", ErrStoreUnavailable, key, err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return Record{}, false, nil
	}

	count, err := parseRedisInt(vals[0])
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: bad count for key %s: %w", ErrStoreUnavailable, key, err)
	}
	start, err := parseRedisInt(vals[1])
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: bad window start for key %s: %w", ErrStoreUnavailable, key, err)
	}
	var windowMs int64
	if vals[2] != nil {
		if windowMs, err = parseRedisInt(vals[2]); err != nil {
			return Record{}, false, fmt.Errorf("%w: bad window for key %s: %w", ErrStoreUnavailable, key, err)
		}
	}

	return Record{
		Count:       count,
		WindowStart: time.UnixMilli(start),
		Window:      time.Duration(windowMs) * time.Millisecond,
	}, true, nil
}

// Delete implements the Store interface for Redis storage.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: redis delete for key %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// DeleteExpired is a no-op: every record carries a PEXPIRE matching its window.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func parseRedisInt(v any) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(t, 10, 64)
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

var _ Store = (*RedisStore)(nil)
