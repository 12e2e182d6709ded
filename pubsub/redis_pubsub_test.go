package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisPubSubAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedisClient(t)

	first := NewRedisPubSub(client)
	second := NewRedisPubSub(client)
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
	})

	var a, b collector
	_, err := first.Subscribe(ctx, "reset", a.handle)
	require.NoError(t, err)
	_, err = second.Subscribe(ctx, "reset", b.handle)
	require.NoError(t, err)

	require.NoError(t, first.Publish(ctx, "reset", []byte(`{"key":"k"}`)))

	assert.Eventually(t, func() bool { return len(a.got()) == 1 && len(b.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"key":"k"}`}, b.got())
}

func TestRedisPubSubUsesPrefixedChannel(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedisClient(t)

	ps := NewRedisPubSub(client)
	t.Cleanup(func() { _ = ps.Close() })

	var c collector
	_, err := ps.Subscribe(ctx, "reset", c.handle)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(mr.PubSubChannels("pubsub:*")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"pubsub:reset"}, mr.PubSubChannels("pubsub:*"))
}

func TestRedisPubSubUnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedisClient(t)
	ps := NewRedisPubSub(client)

	var c collector
	id, err := ps.Subscribe(ctx, "t", c.handle)
	require.NoError(t, err)
	require.NoError(t, ps.Unsubscribe(ctx, id))
	require.NoError(t, ps.Unsubscribe(ctx, id))

	require.NoError(t, ps.Publish(ctx, "t", []byte("late")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.got())

	require.NoError(t, ps.Close())
	require.NoError(t, ps.Close())
	assert.ErrorIs(t, ps.Publish(ctx, "t", nil), errRedisPubSubClosed)
	_, err = ps.Subscribe(ctx, "t", c.handle)
	assert.ErrorIs(t, err, errRedisPubSubClosed)
}

func TestRedisPubSubSubscribeGivesUp(t *testing.T) {
	mr, client := newTestRedisClient(t)
	ps := NewRedisPubSub(client)
	t.Cleanup(func() { _ = ps.Close() })
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ps.Subscribe(ctx, "t", func(context.Context, *Message) {})
	assert.Error(t, err)
}

func TestBrokerWithRedis(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedisClient(t)

	b := New(WithRedisClient(client), WithRedisChannelPrefix("ratelimit:pubsub:"))
	t.Cleanup(func() { _ = b.Close() })
	_, ok := b.impl.(*RedisPubSub)
	require.True(t, ok)
	assert.Equal(t, BackendRedis, b.Backend())

	var c collector
	_, err := b.Subscribe(ctx, "t", c.handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"ratelimit:pubsub:t"}, mr.PubSubChannels("ratelimit:*"))
	require.NoError(t, b.Publish(ctx, "t", []byte("hi")))
	assert.Eventually(t, func() bool { return len(c.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewRedisPubSubPanicsOnNilClient(t *testing.T) {
	assert.Panics(t, func() { NewRedisPubSub(nil) })
}
