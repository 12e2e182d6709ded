package limiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/ratewindow/pubsub"
	"github.com/toolink/ratewindow/worker"
)

// Locker guards the durable-store sweep so one instance sweeps at a time.
// redlock.Locker satisfies it.
type Locker interface {
	TryLock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// RateLimiter decides whether a request for a (client, endpoint) key is within
// quota and records it. It owns its stores and its sweep lifecycle.
type RateLimiter struct {
	config   *Config
	store    Store
	fallback *MemoryStore
	now      func() time.Time

	sweepLock  Locker
	broker     pubsub.PubSub
	resetTopic string
	instanceID string

	mu      sync.Mutex
	sweeper *worker.Ticker
	subID   string

	decisions atomic.Int64
	denied    atomic.Int64
	degraded  atomic.Int64
	swept     atomic.Int64
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// WithFallbackStore sets the in-memory store used when the primary store fails.
func WithFallbackStore(store *MemoryStore) Option {
	return func(rl *RateLimiter) {
		if store != nil {
			rl.fallback = store
		}
	}
}

// WithSweepLock makes the durable-store sweep run only while the lock is held.
func WithSweepLock(l Locker) Option {
	return func(rl *RateLimiter) {
		rl.sweepLock = l
	}
}

// WithResetBroadcast publishes resets on topic so other instances drop their
// local copies of the record.
func WithResetBroadcast(ps pubsub.PubSub, topic string) Option {
	return func(rl *RateLimiter) {
		rl.broker = ps
		if topic != "" {
			rl.resetTopic = topic
		}
	}
}

// WithInstanceID sets the id used to ignore this instance's own reset events.
func WithInstanceID(id string) Option {
	return func(rl *RateLimiter) {
		if id != "" {
			rl.instanceID = id
		}
	}
}

// NewRateLimiter creates a RateLimiter. A nil store selects an in-memory store.
// Invalid configuration is reported here, never at request time.
func NewRateLimiter(cfg *Config, store Store, opts ...Option) (*RateLimiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}

	rl := &RateLimiter{
		config:     cfg,
		store:      store,
		now:        time.Now,
		resetTopic: cfg.KeyPrefix + "reset",
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(rl)
	}

	if rl.store == nil {
		if rl.fallback == nil {
			rl.fallback = NewMemoryStore()
		}
		rl.store = rl.fallback
	}
	if mem, ok := rl.store.(*MemoryStore); ok && rl.fallback == nil {
		rl.fallback = mem
	}
	if rl.fallback == nil {
		rl.fallback = NewMemoryStore()
	}

	log.Info().
		Str("storage", cfg.StorageType).
		Str("failure_policy", cfg.FailurePolicy).
		Int("rules", len(cfg.Rules)).
		Dur("default_window", cfg.Default.Window).
		Int("default_max_requests", cfg.Default.MaxRequests).
		Msg("rate limiter created")
	return rl, nil
}

// InstanceID identifies this limiter in reset broadcasts.
func (rl *RateLimiter) InstanceID() string {
	return rl.instanceID
}

// Config returns the prepared configuration.
func (rl *RateLimiter) Config() *Config {
	return rl.config
}

// CheckAndRecord counts one request for (clientID, endpointID) and reports
// whether it is within quota. It always returns a usable decision: store
// failures are handled by the configured failure policy and logged.
func (rl *RateLimiter) CheckAndRecord(ctx context.Context, clientID, endpointID string) Decision {
	limit := rl.config.LimitFor(endpointID)
	key := StoreKey(endpointID, clientID)
	now := rl.now()

	rl.decisions.Add(1)

	rec, err := rl.store.Increment(ctx, key, limit.Window, now)
	if err != nil {
		return rl.decideOnFailure(ctx, key, limit, now, err)
	}

	d := newDecision(rec, limit, now)
	rl.logDecision(key, endpointID, d)
	return d
}

// decideOnFailure applies the failure policy after the primary store failed.
func (rl *RateLimiter) decideOnFailure(ctx context.Context, key string, limit Limit, now time.Time, cause error) Decision {
	rl.degraded.Add(1)
	logCtx := log.With().Str("key", key).Str("failure_policy", rl.config.FailurePolicy).Logger()

	switch rl.config.FailurePolicy {
	case FailOpen:
		logCtx.Error().Err(cause).Msg("rate limit store unavailable, allowing request uncounted")
		return Decision{
			Allowed:   true,
			Limit:     limit.MaxRequests,
			Remaining: limit.MaxRequests,
			ResetAt:   now.Add(limit.Window),
			Degraded:  true,
		}
	case FailClosed:
		logCtx.Error().Err(cause).Msg("rate limit store unavailable, denying request")
		rl.denied.Add(1)
		return Decision{
			Allowed:           false,
			Limit:             limit.MaxRequests,
			ResetAt:           now.Add(time.Second),
			ResetSeconds:      1,
			RetryAfterSeconds: 1,
			Degraded:          true,
		}
	}

	logCtx.Error().Err(cause).Msg("rate limit store unavailable, counting in memory fallback")
	rec, _ := rl.fallback.Increment(ctx, key, limit.Window, now)
	d := newDecision(rec, limit, now)
	d.Degraded = true
	if !d.Allowed {
		rl.denied.Add(1)
	}
	return d
}

func (rl *RateLimiter) logDecision(key, endpointID string, d Decision) {
	if d.Allowed {
		log.Debug().Str("key", key).Int64("count", d.Count).Int("remaining", d.Remaining).Msg("request allowed")
		return
	}
	rl.denied.Add(1)
	log.Warn().
		Str("key", key).
		Str("endpoint", endpointID).
		Int64("count", d.Count).
		Int("limit", d.Limit).
		Int("retry_after", d.RetryAfterSeconds).
		Msg("rate limit exceeded")
}

// Status returns a snapshot of the quota for (clientID, endpointID).
// It never counts as a request and never mutates state.
func (rl *RateLimiter) Status(ctx context.Context, clientID, endpointID string) Status {
	limit := rl.config.LimitFor(endpointID)
	key := StoreKey(endpointID, clientID)
	now := rl.now()

	rec, found, err := rl.store.Get(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("rate limit store unavailable, reading memory fallback")
		rec, found, _ = rl.fallback.Get(ctx, key)
		st := newStatus(rec, found, limit, now)
		st.Degraded = true
		return st
	}
	return newStatus(rec, found, limit, now)
}

// Reset deletes the record for (clientID, endpointID), restoring the full quota.
func (rl *RateLimiter) Reset(ctx context.Context, clientID, endpointID string) error {
	key := StoreKey(endpointID, clientID)

	if rl.fallback != rl.store {
		_ = rl.fallback.Delete(ctx, key)
	}
	if err := rl.store.Delete(ctx, key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("rate limit reset failed")
		return fmt.Errorf("reset %s: %w", key, err)
	}

	rl.broadcastReset(ctx, key)
	log.Info().Str("key", key).Msg("rate limit reset")
	return nil
}

// Stats holds counters for observability.
type Stats struct {
	Decisions     int64
	Denied        int64
	Degraded      int64
	Swept         int64
	FallbackSize  int
	SweepRunning  bool
	SweepInterval time.Duration
}

// Stats returns the limiter counters.
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	running := rl.sweeper != nil
	rl.mu.Unlock()

	return Stats{
		Decisions:     rl.decisions.Load(),
		Denied:        rl.denied.Load(),
		Degraded:      rl.degraded.Load(),
		Swept:         rl.swept.Load(),
		FallbackSize:  rl.fallback.Len(),
		SweepRunning:  running,
		SweepInterval: rl.config.SweepInterval,
	}
}

// StoreKey returns the store key for a (client, endpoint) pair:
// ep:<len(endpoint)>:<endpoint>|client:<client>. The length prefix keeps
// ids containing the separator from colliding.
func StoreKey(endpointID, clientID string) string {
	return fmt.Sprintf("ep:%d:%s|client:%s", len(endpointID), endpointID, clientID)
}
