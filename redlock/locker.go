// Package redlock provides a single-instance Redis lease used to elect which
// process performs cluster-wide maintenance such as sweeping a shared store.
package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTTL is the lease expiry if not set via WithTTL.
	// It must outlive one sweep, otherwise two instances may sweep together.
	DefaultTTL = 30 * time.Second
	// defaultMaxRetries bounds Lock when the context has no deadline.
	defaultMaxRetries = 10
)

var (
	// ErrLockNotAcquired is returned when the lease is held by another instance.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when the lease expired or was taken over before release.
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
	// ErrNotHeld is returned by Extend and Unlock when this Locker holds nothing.
	ErrNotHeld = errors.New("redlock: lock not held")
	// ErrLockMaxRetriesExceeded is returned when Lock gives up.
	ErrLockMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
)

// compareAndDelete removes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// compareAndExpire refreshes the TTL of KEYS[1] (ARGV[2] ms) only if it still holds ARGV[1].
var compareAndExpire = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is a lease on one Redis key. It is safe for concurrent use; only one
// goroutine of one process holds the lease at a time.
type Locker struct {
	client     redis.Cmdable
	key        string
	ttl        time.Duration
	maxRetries int
	backoff    backoff.Backoff

	mu    sync.Mutex
	value string // token of the held lease, empty when not held
}

// Option defines a function type for configuring a Locker.
type Option func(*Locker)

// WithTTL sets the lease expiry.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithMaxRetries sets how many times Lock retries. 0 retries until the context ends.
func WithMaxRetries(retries int) Option {
	return func(l *Locker) {
		if retries >= 0 {
			l.maxRetries = retries
		}
	}
}

// WithRetryBackoff sets the wait between Lock attempts.
func WithRetryBackoff(minDelay, maxDelay time.Duration) Option {
	return func(l *Locker) {
		if minDelay > 0 && maxDelay >= minDelay {
			l.backoff.Min = minDelay
			l.backoff.Max = maxDelay
		}
	}
}

// NewLocker creates a Locker for key.
func NewLocker(client redis.Cmdable, key string, options ...Option) *Locker {
	l := &Locker{
		client:     client,
		key:        key,
		ttl:        DefaultTTL,
		maxRetries: defaultMaxRetries,
		backoff: backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
	for _, opt := range options {
		opt(l)
	}

	log.Debug().Str("key", key).Dur("ttl", l.ttl).Int("max_retries", l.maxRetries).Msg("new locker created")
	return l
}

// TryLock attempts to take the lease once.
func (l *Locker) TryLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value != "" {
		return ErrLockNotAcquired
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx command")
		return err
	}
	if !ok {
		log.Trace().Str("key", l.key).Msg("lock held by another instance")
		return ErrLockNotAcquired
	}

	l.value = token
	log.Debug().Str("key", l.key).Str("held_value", token).Msg("lock acquired")
	return nil
}

// Lock retries TryLock with backoff until it succeeds, ctx ends, or retries run out.
func (l *Locker) Lock(ctx context.Context) error {
	b := l.backoff
	for attempt := 0; ; attempt++ {
		err := l.TryLock(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return err
		}
		if l.maxRetries > 0 && attempt >= l.maxRetries {
			log.Warn().Str("key", l.key).Int("retries_attempted", attempt).Msg("maximum lock retries exceeded")
			return ErrLockMaxRetriesExceeded
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

// Extend pushes the lease expiry out by the configured TTL.
func (l *Locker) Extend(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value == "" {
		return ErrNotHeld
	}
	n, err := compareAndExpire.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n != 1 {
		log.Warn().Str("key", l.key).Msg("lease lost before extend")
		l.value = ""
		return ErrUnlockFailed
	}
	return nil
}

// Unlock releases the lease if this Locker still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value == "" {
		return ErrNotHeld
	}
	token := l.value
	l.value = ""

	n, err := compareAndDelete.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute unlock script")
		return err
	}
	if n != 1 {
		log.Warn().Str("key", l.key).Str("held_value", token).Msg("unlock failed: lease expired or re-acquired elsewhere")
		return ErrUnlockFailed
	}
	log.Debug().Str("key", l.key).Msg("lock released")
	return nil
}

// Held reports whether this Locker currently believes it holds the lease.
func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value != ""
}

// Key returns the Redis key of the lease.
func (l *Locker) Key() string {
	return l.key
}
