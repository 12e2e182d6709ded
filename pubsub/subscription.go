package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errNilHandler = errors.New("pubsub: handler cannot be nil")

// subscription queues messages for one handler and runs it on its own goroutine.
type subscription struct {
	ID      string
	Topic   string
	handler Handler
	options *SubscriptionOptions

	queue     chan *Message
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSubscription(topic string, handler Handler, opts ...Option) (*subscription, error) {
	if topic == "" {
		return nil, errors.New("pubsub: topic cannot be empty")
	}
	if handler == nil {
		return nil, errNilHandler
	}

	o := DefaultSubscriptionOptions()
	o.Apply(opts...)

	s := &subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		handler: handler,
		options: o,
		queue:   make(chan *Message, o.BufferSize),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// deliver enqueues msg without blocking. It reports false when the message was dropped.
func (s *subscription) deliver(msg *Message) bool {
	select {
	case <-s.stop:
		return false
	default:
	}

	select {
	case s.queue <- msg:
		return true
	default:
		log.Warn().Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("subscriber buffer full, dropping message")
		return false
	}
}

func (s *subscription) run() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue:
			s.invoke(ctx, msg)
		}
	}
}

func (s *subscription) invoke(ctx context.Context, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("subscription_id", s.ID).Str("topic", s.Topic).Interface("panic_value", r).Msg("subscription handler panicked")
		}
	}()
	s.handler(ctx, msg)
}

// close stops the handler goroutine and waits for an in-flight message.
// Queued messages not yet handled are discarded.
func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}
