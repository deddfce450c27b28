package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMiniredisWrapper(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWrapper(client, "test", zaptest.NewLogger(t)), s
}

func TestRedisWrapper_NormalOperations(t *testing.T) {
	wrapper, _ := newMiniredisWrapper(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx).Err())
	require.NoError(t, wrapper.Set(ctx, "test:key", "test:value", time.Minute).Err())

	val, err := wrapper.Get(ctx, "test:key").Result()
	require.NoError(t, err)
	assert.Equal(t, "test:value", val)

	// Non-existent key returns redis.Nil and does not trip the breaker
	assert.Equal(t, redis.Nil, wrapper.Get(ctx, "nonexistent:key").Err())
	assert.False(t, wrapper.IsCircuitBreakerOpen())

	deleted, err := wrapper.Del(ctx, "test:key").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRedisWrapper_SetNX(t *testing.T) {
	wrapper, s := newMiniredisWrapper(t)
	ctx := context.Background()

	ok, err := wrapper.SetNX(ctx, "lock", "a", time.Minute).Result()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = wrapper.SetNX(ctx, "lock", "b", time.Minute).Result()
	require.NoError(t, err)
	assert.False(t, ok)

	s.FastForward(2 * time.Minute)
	ok, err = wrapper.SetNX(ctx, "lock", "b", time.Minute).Result()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisWrapper_RunScript(t *testing.T) {
	wrapper, s := newMiniredisWrapper(t)
	ctx := context.Background()

	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	require.NoError(t, s.Set("k", "mine"))

	n, err := wrapper.RunScript(ctx, script, []string{"k"}, "theirs").Int()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, s.Exists("k"))

	n, err = wrapper.RunScript(ctx, script, []string{"k"}, "mine").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.Exists("k"))
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	// Client pointing to a server that does not exist
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	wrapper := NewRedisWrapper(client, "test-down", zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < int(GetRedisConfig().FailureThreshold); i++ {
		assert.Error(t, wrapper.Ping(ctx).Err())
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	// Subsequent calls fail fast
	err := wrapper.SetNX(ctx, "any:key", "v", time.Second).Err()
	assert.True(t, errors.Is(err, ErrCircuitBreakerOpen))
}

func TestRedisWrapper_RedisNilHandling(t *testing.T) {
	wrapper, _ := newMiniredisWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.Equal(t, redis.Nil, wrapper.Get(ctx, "nonexistent:key").Err())
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}
