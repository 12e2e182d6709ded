package pubsub

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// BufferSize is the number of messages queued for a slow handler.
	// Messages arriving while the buffer is full are dropped and logged.
	// Defaults to 64.
	BufferSize int
}

// Option is a function type used to configure subscriptions.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		BufferSize: 64,
	}
}

// WithBufferSize sets the per-subscription queue length.
func WithBufferSize(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// Apply applies the options to the SubscriptionOptions struct.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
