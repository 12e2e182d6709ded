// Package cluster tracks the live ratewindow instances sharing a Redis
// deployment. Each instance writes a key with a TTL and renews it on a
// heartbeat; keys of crashed instances expire on their own.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/ratewindow/worker"
)

// Default values
const (
	DefaultKeyPrefix        = "ratewindow:instances"
	DefaultTTL              = 30 * time.Second
	DefaultHeartbeatDivisor = 3
)

var ErrNotRegistered = errors.New("cluster: instance not registered")

// Instance describes one running service process.
type Instance struct {
	ID        string            `json:"id"`
	HTTPAddr  string            `json:"http_addr"`
	GRPCAddr  string            `json:"grpc_addr,omitempty"`
	Storage   string            `json:"storage"`
	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// String provides a human-readable representation.
func (i *Instance) String() string {
	return fmt.Sprintf("%s@%s", i.ID, i.HTTPAddr)
}

// Options holds configuration for the registry.
type Options struct {
	KeyPrefix         string
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

// Option defines a function type for setting options.
type Option func(*Options)

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.KeyPrefix = prefix
		}
	}
}

// WithTTL sets the instance TTL. The heartbeat defaults to a third of it.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// WithHeartbeatInterval sets the heartbeat interval.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *Options) {
		if interval > 0 {
			o.HeartbeatInterval = interval
		}
	}
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		KeyPrefix: DefaultKeyPrefix,
		TTL:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.TTL {
		if o.HeartbeatInterval >= o.TTL {
			log.Warn().Dur("configured_heartbeat", o.HeartbeatInterval).Dur("ttl", o.TTL).Msg("heartbeat interval was >= ttl, adjusted")
		}
		o.HeartbeatInterval = max(o.TTL/DefaultHeartbeatDivisor, time.Second)
	}
	return o
}

// Registry registers instances in Redis.
type Registry struct {
	opts   *Options
	client redis.Cmdable

	mu         sync.Mutex
	heartbeats map[string]*worker.Ticker // instance key -> heartbeat
}

// NewRegistry creates a Registry on client.
func NewRegistry(client redis.Cmdable, opts ...Option) *Registry {
	o := newOptions(opts...)
	log.Debug().Str("prefix", o.KeyPrefix).Dur("ttl", o.TTL).Dur("heartbeat", o.HeartbeatInterval).Msg("cluster registry created")
	return &Registry{
		opts:       o,
		client:     client,
		heartbeats: make(map[string]*worker.Ticker),
	}
}

func (r *Registry) instanceKey(id string) string {
	return r.opts.KeyPrefix + ":" + id
}

// Register writes the instance and starts renewing it.
func (r *Registry) Register(ctx context.Context, inst *Instance) error {
	if inst.ID == "" || inst.HTTPAddr == "" {
		return errors.New("cluster: instance id and http address are required")
	}
	if err := r.write(ctx, inst); err != nil {
		return err
	}

	key := r.instanceKey(inst.ID)
	hb := worker.NewTicker("cluster-heartbeat", r.opts.HeartbeatInterval, func(ctx context.Context) error {
		return r.renew(ctx, inst)
	})

	r.mu.Lock()
	old := r.heartbeats[key]
	r.heartbeats[key] = hb
	r.mu.Unlock()

	if old != nil {
		log.Warn().Str("key", key).Msg("stopping existing heartbeat for re-registration")
		_ = old.Stop(ctx)
	}
	// the heartbeat outlives the registering call
	if err := hb.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	log.Info().Stringer("instance", inst).Dur("ttl", r.opts.TTL).Msg("instance registered")
	return nil
}

func (r *Registry) write(ctx context.Context, inst *Instance) error {
	value, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance data: %w", err)
	}
	if err := r.client.Set(ctx, r.instanceKey(inst.ID), value, r.opts.TTL).Err(); err != nil {
		log.Error().Err(err).Stringer("instance", inst).Msg("failed to write instance key")
		return fmt.Errorf("failed to register instance with redis: %w", err)
	}
	return nil
}

// renew extends the TTL, rewriting the key when it already expired.
func (r *Registry) renew(ctx context.Context, inst *Instance) error {
	ok, err := r.client.Expire(ctx, r.instanceKey(inst.ID), r.opts.TTL).Result()
	if err != nil {
		return fmt.Errorf("heartbeat for %s: %w", inst.ID, err)
	}
	if !ok {
		log.Warn().Stringer("instance", inst).Msg("instance key expired, re-registering")
		return r.write(ctx, inst)
	}
	return nil
}

// Deregister stops the heartbeat and deletes the instance key.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	key := r.instanceKey(id)

	r.mu.Lock()
	hb, ok := r.heartbeats[key]
	delete(r.heartbeats, key)
	r.mu.Unlock()

	if !ok {
		return ErrNotRegistered
	}
	if err := hb.Stop(ctx); err != nil && !errors.Is(err, worker.ErrTickerNotRunning) {
		log.Warn().Err(err).Str("instance_id", id).Msg("heartbeat stop failed")
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to deregister instance from redis: %w", err)
	}
	log.Info().Str("instance_id", id).Msg("instance deregistered")
	return nil
}

// Discover lists the live instances, sorted by ID.
func (r *Registry) Discover(ctx context.Context) ([]*Instance, error) {
	keys, err := r.scanKeys(ctx, r.opts.KeyPrefix+":*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance keys: %w", err)
	}
	if len(keys) == 0 {
		return []*Instance{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to MGET instance data: %w", err)
	}

	instances := make([]*Instance, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var inst Instance
		if err := json.Unmarshal([]byte(s), &inst); err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("failed to unmarshal instance data, skipping")
			continue
		}
		instances = append(instances, &inst)
	}
	sort.Slice(instances, func(a, b int) bool { return instances[a].ID < instances[b].ID })
	return instances, nil
}

func (r *Registry) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Close stops every heartbeat. Instance keys are left to expire.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	hbs := r.heartbeats
	r.heartbeats = make(map[string]*worker.Ticker)
	r.mu.Unlock()

	var errs []error
	for _, hb := range hbs {
		if err := hb.Stop(ctx); err != nil && !errors.Is(err, worker.ErrTickerNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
