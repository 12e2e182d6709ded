package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	errMemoryPubSubClosed = errors.New("pubsub: memory pubsub is closed")
)

// MemoryPubSub implements the PubSub interface inside one process.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*subscription // topic -> subID -> subscription
	subs   map[string]*subscription            // subID -> subscription (for fast unsubscribe)
}

// NewMemoryPubSub creates a new in-memory PubSub instance.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[string]*subscription),
		subs:   make(map[string]*subscription),
	}
}

// Publish hands payload to every subscriber of topic without waiting for handlers.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMemoryPubSubClosed
	}

	for _, sub := range m.topics[topic] {
		sub.deliver(&Message{Topic: topic, Payload: payload})
	}
	return nil
}

// Subscribe registers handler for topic.
func (m *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errMemoryPubSubClosed
	}

	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[string]*subscription)
	}
	m.topics[topic][sub.ID] = sub
	m.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("new memory subscription created")
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, id)
	if topicSubs, ok := m.topics[sub.Topic]; ok {
		delete(topicSubs, id)
		if len(topicSubs) == 0 {
			delete(m.topics, sub.Topic)
		}
	}
	m.mu.Unlock() // Unlock before waiting on the handler

	sub.close()
	log.Debug().Str("subscription_id", id).Str("topic", sub.Topic).Msg("memory subscription removed")
	return nil
}

// Close stops every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subsToClose := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subsToClose = append(subsToClose, sub)
	}
	m.topics = make(map[string]map[string]*subscription)
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subsToClose {
		sub.close()
	}
	log.Info().Int("subscriptions", len(subsToClose)).Msg("memory pubsub closed")
	return nil
}

var _ PubSub = (*MemoryPubSub)(nil)
