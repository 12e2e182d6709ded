package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	errRedisPubSubClosed = errors.New("pubsub: redis pubsub is closed")
)

const (
	// DefaultChannelPrefix namespaces topics on the Redis server.
	DefaultChannelPrefix = "pubsub:"
	// Subscribe attempts before giving up
	redisSubscribeAttempts = 3
)

// redisSubscription binds a subscription to its Redis SUBSCRIBE connection.
type redisSubscription struct {
	*subscription
	ps         *redis.PubSub
	listenerWg sync.WaitGroup
}

// RedisPubSub implements the PubSub interface on Redis PUBLISH/SUBSCRIBE,
// so every instance subscribed to a topic sees every message.
type RedisPubSub struct {
	redisClient redis.UniversalClient
	mu          sync.RWMutex
	closed      bool
	subs        map[string]*redisSubscription // subID -> redisSubscription
	backoff     *backoff.Backoff
	prefix      string
}

// RedisOption configures a RedisPubSub.
type RedisOption func(*RedisPubSub)

// WithChannelPrefix namespaces the Redis channels, so deployments sharing a
// server do not see each other's topics.
func WithChannelPrefix(prefix string) RedisOption {
	return func(r *RedisPubSub) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedisPubSub creates a new Redis-based PubSub instance.
func NewRedisPubSub(client redis.UniversalClient, opts ...RedisOption) *RedisPubSub {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	r := &RedisPubSub{
		redisClient: client,
		subs:        make(map[string]*redisSubscription),
		backoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		prefix: DefaultChannelPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisPubSub) channel(topic string) string {
	return r.prefix + topic
}

// Publish sends payload on the topic's Redis channel.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errRedisPubSubClosed
	}

	if err := r.redisClient.Publish(ctx, r.channel(topic), payload).Err(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish message to redis")
		return fmt.Errorf("failed to publish message to redis: %w", err)
	}
	return nil
}

// Subscribe opens a Redis subscription for topic and waits for the server to confirm it.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", errRedisPubSubClosed
	}

	ps, err := r.subscribeWithRetry(ctx, topic)
	if err != nil {
		return "", err
	}

	base, err := newSubscription(topic, handler, opts...)
	if err != nil {
		_ = ps.Close()
		return "", err
	}
	rs := &redisSubscription{subscription: base, ps: ps}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		base.close()
		return "", errRedisPubSubClosed
	}
	r.subs[rs.ID] = rs
	r.mu.Unlock()

	rs.listenerWg.Add(1)
	go rs.listenLoop()

	log.Debug().Str("subscription_id", rs.ID).Str("topic", topic).Str("channel", r.channel(topic)).Msg("new redis subscription created")
	return rs.ID, nil
}

func (r *RedisPubSub) subscribeWithRetry(ctx context.Context, topic string) (*redis.PubSub, error) {
	b := *r.backoff
	var lastErr error
	for attempt := 1; attempt <= redisSubscribeAttempts; attempt++ {
		ps := r.redisClient.Subscribe(ctx, r.channel(topic))
		_, err := ps.Receive(ctx)
		if err == nil {
			return ps, nil
		}
		lastErr = err
		_ = ps.Close()

		if attempt == redisSubscribeAttempts {
			break
		}
		wait := b.Duration()
		log.Warn().Err(lastErr).Str("topic", topic).Int("attempt", attempt).Dur("retry_in", wait).Msg("redis subscribe failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("failed to subscribe to %s after %d attempts: %w", topic, redisSubscribeAttempts, lastErr)
}

// Unsubscribe removes a Redis subscription and stops its listener.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return nil // Already unsubscribed
	}
	delete(r.subs, id)
	r.mu.Unlock() // Unlock before stopping/closing

	err := sub.shutdown()
	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("redis subscription removed")
	return err
}

// Close shuts down the RedisPubSub instance, stopping all listeners.
// The Redis client itself is owned by the caller and stays open.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil // Already closed
	}
	r.closed = true
	subsToClose := make([]*redisSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subsToClose = append(subsToClose, sub)
	}
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var errs []error
	for _, sub := range subsToClose {
		if err := sub.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info().Int("subscriptions", len(subsToClose)).Msg("redis pubsub closed")
	return errors.Join(errs...)
}

func (rs *redisSubscription) shutdown() error {
	err := rs.ps.Close() // closes the message channel, ending listenLoop
	rs.listenerWg.Wait()
	rs.subscription.close()
	return err
}

// listenLoop forwards Redis messages to the subscription queue until the
// Redis subscription is closed.
func (rs *redisSubscription) listenLoop() {
	defer rs.listenerWg.Done()

	for msg := range rs.ps.Channel() {
		rs.deliver(&Message{Topic: rs.Topic, Payload: []byte(msg.Payload)})
	}
	log.Debug().Str("subscription_id", rs.ID).Str("topic", rs.Topic).Msg("redis listener loop stopped")
}

var _ PubSub = (*RedisPubSub)(nil)
