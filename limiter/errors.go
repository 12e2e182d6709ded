package limiter

import "errors"

var (
	// ErrInvalidConfig is returned by ValidateAndPrepare and NewRateLimiter for unusable configuration.
	ErrInvalidConfig = errors.New("limiter: invalid configuration")
	// ErrStoreUnavailable wraps failures of the backing store.
	ErrStoreUnavailable = errors.New("limiter: store unavailable")
	// ErrAlreadyStarted is returned by Start when the sweeper is running.
	ErrAlreadyStarted = errors.New("limiter: already started")
	// ErrNotStarted is returned by Stop when Start was never called.
	ErrNotStarted = errors.New("limiter: not started")
)
