package pubsub

import (
	"context"
)

// Message is a payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg *Message)

// PubSub defines the interface for a fan-out publish/subscribe system.
// Every subscription on a topic receives every message published to it.
type PubSub interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and returns a subscription ID.
	// Handlers run on a goroutine owned by the subscription, one message at a time.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID.
	Unsubscribe(ctx context.Context, id string) error

	// Close shuts down the pub/sub system, cleaning up resources.
	Close() error
}
