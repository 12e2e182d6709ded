// Package meta carries request-scoped identity metadata through a context.Context.
// HTTP middleware and gRPC interceptors fill it in; the rate limiter reads the
// client identity from it.
package meta

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound  = errors.New("meta: key not found")
	ErrWrongType = errors.New("meta: value has unexpected type")
)

// Well-known metadata keys.
const (
	KeyUserID   = "user_id"   // authenticated user, set by a trusted upstream
	KeyClientIP = "client_ip" // remote address of the caller
	KeyEndpoint = "endpoint"  // endpoint identifier the request is counted against
)

// Anonymous is the client identity used when neither a user nor an address is known.
const Anonymous = "anonymous"

type metadataKey struct{}

// Metadata holds the key-value pairs.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates a new, empty Metadata store.
func New() *Metadata {
	return &Metadata{
		data: make(map[string]any),
	}
}

// Set adds or updates a key-value pair.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Get retrieves a value by key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	return value, ok
}

// String returns the string stored under key, or "" when absent or not a string.
func (m *Metadata) String(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// WithContext returns a context carrying m.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext returns the Metadata carried by ctx, or a new empty one.
func FromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return New()
	}
	if md, ok := ctx.Value(metadataKey{}).(*Metadata); ok {
		return md
	}
	return New()
}

// Ensure returns ctx's Metadata, attaching a fresh one when ctx has none.
func Ensure(ctx context.Context) (context.Context, *Metadata) {
	if md, ok := ctx.Value(metadataKey{}).(*Metadata); ok {
		return ctx, md
	}
	md := New()
	return md.WithContext(ctx), md
}

// Get returns the value stored under key in ctx's Metadata as a T.
func Get[T any](ctx context.Context, key string) (T, error) {
	var zero T
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q holds %T, want %T", ErrWrongType, key, raw, zero)
	}
	return v, nil
}

// MustGet is Get that panics on a missing key or type mismatch.
func MustGet[T any](ctx context.Context, key string) T {
	t, err := Get[T](ctx, key)
	if err != nil {
		panic(err)
	}
	return t
}

// ClientID derives the rate limit client identity from ctx: the user when one
// is known, otherwise the client address, otherwise Anonymous.
func ClientID(ctx context.Context) string {
	if user, err := Get[string](ctx, KeyUserID); err == nil && user != "" {
		return "user:" + user
	}
	if ip, err := Get[string](ctx, KeyClientIP); err == nil && ip != "" {
		return "ip:" + ip
	}
	return Anonymous
}
