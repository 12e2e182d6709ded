package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRegistry(client, opts...)
	t.Cleanup(func() {
		_ = r.Close(context.Background())
		_ = client.Close()
	})
	return mr, r
}

func TestRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	mr, r := newTestRegistry(t)

	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Register(ctx, &Instance{ID: "b", HTTPAddr: "10.0.0.2:8080", Storage: "redis", StartedAt: started}))
	require.NoError(t, r.Register(ctx, &Instance{ID: "a", HTTPAddr: "10.0.0.1:8080", GRPCAddr: "10.0.0.1:9090", Storage: "redis", StartedAt: started}))

	assert.True(t, mr.Exists(DefaultKeyPrefix+":a"))
	assert.Equal(t, DefaultTTL, mr.TTL(DefaultKeyPrefix+":a"))

	instances, err := r.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "a", instances[0].ID)
	assert.Equal(t, "10.0.0.1:9090", instances[0].GRPCAddr)
	assert.True(t, started.Equal(instances[0].StartedAt))
	assert.Equal(t, "b@10.0.0.2:8080", instances[1].String())
}

func TestRegisterValidates(t *testing.T) {
	_, r := newTestRegistry(t)
	assert.Error(t, r.Register(context.Background(), &Instance{HTTPAddr: ":8080"}))
	assert.Error(t, r.Register(context.Background(), &Instance{ID: "x"}))
}

func TestExpiredInstancesDisappear(t *testing.T) {
	ctx := context.Background()
	mr, r := newTestRegistry(t, WithTTL(10*time.Second), WithHeartbeatInterval(time.Hour))
	require.NoError(t, r.Register(ctx, &Instance{ID: "a", HTTPAddr: ":8080"}))

	mr.FastForward(11 * time.Second)
	instances, err := r.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRenewRewritesExpiredKey(t *testing.T) {
	ctx := context.Background()
	mr, r := newTestRegistry(t, WithTTL(10*time.Second))
	inst := &Instance{ID: "a", HTTPAddr: ":8080"}
	require.NoError(t, r.Register(ctx, inst))

	mr.FastForward(5 * time.Second)
	require.NoError(t, r.renew(ctx, inst))
	assert.Equal(t, 10*time.Second, mr.TTL(DefaultKeyPrefix+":a"), "renew pushes the expiry out")

	mr.FastForward(11 * time.Second)
	require.False(t, mr.Exists(DefaultKeyPrefix+":a"))
	require.NoError(t, r.renew(ctx, inst))
	assert.True(t, mr.Exists(DefaultKeyPrefix+":a"))
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	mr, r := newTestRegistry(t, WithKeyPrefix("test:nodes"))
	require.NoError(t, r.Register(ctx, &Instance{ID: "a", HTTPAddr: ":8080"}))
	require.True(t, mr.Exists("test:nodes:a"))

	require.NoError(t, r.Deregister(ctx, "a"))
	assert.False(t, mr.Exists("test:nodes:a"))
	assert.ErrorIs(t, r.Deregister(ctx, "a"), ErrNotRegistered)
}

func TestReRegisterReplacesHeartbeat(t *testing.T) {
	ctx := context.Background()
	_, r := newTestRegistry(t)
	require.NoError(t, r.Register(ctx, &Instance{ID: "a", HTTPAddr: ":8080"}))
	require.NoError(t, r.Register(ctx, &Instance{ID: "a", HTTPAddr: ":9090"}))

	r.mu.Lock()
	assert.Len(t, r.heartbeats, 1)
	r.mu.Unlock()

	instances, err := r.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, ":9090", instances[0].HTTPAddr)
}

func TestDiscoverSkipsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	mr, r := newTestRegistry(t)
	require.NoError(t, mr.Set(DefaultKeyPrefix+":broken", "{not json"))
	require.NoError(t, r.Register(ctx, &Instance{ID: "a", HTTPAddr: ":8080"}))

	instances, err := r.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "a", instances[0].ID)
}

func TestHeartbeatIntervalIsBounded(t *testing.T) {
	o := newOptions(WithTTL(30*time.Second), WithHeartbeatInterval(time.Minute))
	assert.Equal(t, 10*time.Second, o.HeartbeatInterval)

	o = newOptions(WithTTL(time.Second))
	assert.Equal(t, time.Second, o.HeartbeatInterval)

	o = newOptions(WithHeartbeatInterval(5 * time.Second))
	assert.Equal(t, 5*time.Second, o.HeartbeatInterval)
}
