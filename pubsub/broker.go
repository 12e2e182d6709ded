package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errBrokerClosed = errors.New("pubsub: broker closed")

// Backend names reported by Broker.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Broker picks a PubSub backend at construction and guards it against use
// after Close. Without a Redis client, messages stay inside the process.
type Broker struct {
	mu      sync.RWMutex
	impl    PubSub
	backend string
}

// BrokerOption configures New.
type BrokerOption func(*brokerConfig)

type brokerConfig struct {
	client redis.UniversalClient
	prefix string
}

// WithRedisClient selects the Redis backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(c *brokerConfig) {
		c.client = client
	}
}

// WithRedisChannelPrefix sets the channel namespace of the Redis backend.
func WithRedisChannelPrefix(prefix string) BrokerOption {
	return func(c *brokerConfig) {
		c.prefix = prefix
	}
}

// New creates a Broker.
func New(opts ...BrokerOption) *Broker {
	cfg := &brokerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	b := &Broker{backend: BackendMemory}
	if cfg.client != nil {
		b.backend = BackendRedis
		b.impl = NewRedisPubSub(cfg.client, WithChannelPrefix(cfg.prefix))
	} else {
		b.impl = NewMemoryPubSub()
	}
	log.Info().Str("backend", b.backend).Msg("pubsub broker ready")
	return b
}

// Backend reports which PubSub implementation carries messages.
func (b *Broker) Backend() string {
	return b.backend
}

func (b *Broker) current() (PubSub, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return nil, errBrokerClosed
	}
	return b.impl, nil
}

// Publish sends payload to every subscriber of topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	ps, err := b.current()
	if err != nil {
		return err
	}
	return ps.Publish(ctx, topic, payload)
}

// Subscribe registers handler for topic and returns the subscription id.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	ps, err := b.current()
	if err != nil {
		return "", err
	}
	return ps.Subscribe(ctx, topic, handler, opts...)
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	ps, err := b.current()
	if err != nil {
		return err
	}
	return ps.Unsubscribe(ctx, id)
}

// Close shuts the backend down. Later calls are no-ops.
func (b *Broker) Close() error {
	b.mu.Lock()
	ps := b.impl
	b.impl = nil
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	return ps.Close()
}

var _ PubSub = (*Broker)(nil)
