package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, config RedisConfig) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()
	server := miniredis.RunT(t)
	config.URL = "redis://" + server.Addr()
	backend, err := NewRedisBackend(context.Background(), config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return server, backend
}

func TestRedisBackendRoundTrip(t *testing.T) {
	_, b := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	value := map[string]any{"id": float64(1), "name": "Acme"}
	ok, err := b.Set(ctx, "res.partner:1", value, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, err := b.Get(ctx, "res.partner:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, got)
}

func TestRedisBackendMiss(t *testing.T) {
	_, b := newTestRedis(t, RedisConfig{})

	_, found, err := b.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisBackendNamespacePrefix(t *testing.T) {
	server, b := newTestRedis(t, RedisConfig{Namespace: "testns"})
	ctx := context.Background()

	_, err := b.Set(ctx, "k", "v", 0)
	require.NoError(t, err)

	assert.True(t, server.Exists("testns:k"), "keys are stored under the namespace")
}

func TestRedisBackendDelete(t *testing.T) {
	_, b := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	_, _ = b.Set(ctx, "k", "v", 0)

	existed, err := b.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = b.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRedisBackendExists(t *testing.T) {
	_, b := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	found, err := b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, _ = b.Set(ctx, "k", "v", 0)

	found, err = b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRedisBackendTTL(t *testing.T) {
	server, b := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	_, err := b.Set(ctx, "short", "v", time.Minute)
	require.NoError(t, err)

	server.FastForward(2 * time.Minute)

	_, found, err := b.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisBackendDeletePattern(t *testing.T) {
	_, b := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	_, _ = b.Set(ctx, "res.partner:1", "a", 0)
	_, _ = b.Set(ctx, "res.partner:2", "b", 0)
	_, _ = b.Set(ctx, "res.country:1", "c", 0)

	count, err := b.DeletePattern(ctx, "res.partner:*")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, found, _ := b.Get(ctx, "res.country:1")
	assert.True(t, found)
}

func TestRedisBackendClear(t *testing.T) {
	_, b := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	_, _ = b.Set(ctx, "k1", "a", 0)
	_, _ = b.Set(ctx, "k2", "b", 0)

	ok, err := b.Clear(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, _ := b.Get(ctx, "k1")
	assert.False(t, found)
}

func TestRedisBackendStats(t *testing.T) {
	_, b := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	_, _ = b.Set(ctx, "k", "v", 0)
	_, _, _ = b.Get(ctx, "k")
	_, _, _ = b.Get(ctx, "missing")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis", stats["backend"])
	assert.Equal(t, "json", stats["serializer"])
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
	assert.Equal(t, int64(1), stats["sets"])
	assert.Equal(t, "closed", stats["circuit_state"])
}

func TestRedisBackendRejectsGobWithoutOptIn(t *testing.T) {
	server := miniredis.RunT(t)
	_, err := NewRedisBackend(context.Background(), RedisConfig{
		URL:        "redis://" + server.Addr(),
		Serializer: GobSerializer{},
	}, nil)
	require.Error(t, err)
}

func TestRedisBackendGobOptIn(t *testing.T) {
	server := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), RedisConfig{
		URL:                "redis://" + server.Addr(),
		Serializer:         GobSerializer{},
		AllowGobSerializer: true,
	}, nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	value := map[string]any{"name": "Acme"}
	_, err = b.Set(ctx, "k", value, 0)
	require.NoError(t, err)

	got, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, got)
}

func TestRedisBackendConnectFailure(t *testing.T) {
	_, err := NewRedisBackend(context.Background(), RedisConfig{
		URL:           "redis://127.0.0.1:1",
		SocketTimeout: 100 * time.Millisecond,
	}, nil)
	require.Error(t, err)

	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)
}

func TestRedisBackendFallbackOnOutage(t *testing.T) {
	server, b := newTestRedis(t, RedisConfig{
		FallbackEnabled: true,
		RetryAttempts:   0,
		SocketTimeout:   200 * time.Millisecond,
	})
	ctx := context.Background()

	server.Close()

	// Writes land in the local fallback cache.
	ok, err := b.Set(ctx, "k", "v", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	value, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", value)

	stats, _ := b.Stats(ctx)
	assert.GreaterOrEqual(t, stats["fallback_hits"], int64(1))
}
