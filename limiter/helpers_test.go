package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockStore is a testify mock of Store.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	args := m.Called(ctx, key, window, now)
	return args.Get(0).(Record), args.Error(1)
}

func (m *mockStore) Get(ctx context.Context, key string) (Record, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(Record), args.Bool(1), args.Error(2)
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

var _ Store = (*mockStore)(nil)

var errLockHeld = errors.New("lock held elsewhere")

// stubLocker grants or refuses the sweep lock.
type stubLocker struct {
	mu       sync.Mutex
	grant    bool
	locked   int
	unlocked int
}

func (l *stubLocker) TryLock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.grant {
		return errLockHeld
	}
	l.locked++
	return nil
}

func (l *stubLocker) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked++
	return nil
}

func testConfig(window time.Duration, maxRequests int) *Config {
	cfg := DefaultConfig()
	cfg.Default = Limit{Window: window, MaxRequests: maxRequests}
	return cfg
}
