package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCache(client, zaptest.NewLogger(t), 100), mr
}

func TestRedisCache_SetGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, JobStatusKey("job-1"), []byte(`{"status":"processing"}`), TTLJobStatus))

	val, ok, err := c.Get(ctx, JobStatusKey("job-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"processing"}`, string(val))
}

func TestRedisCache_MissReturnsFalse(t *testing.T) {
	c, _ := newTestCache(t)

	_, ok, err := c.Get(context.Background(), JobStatusKey("never-set"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_DeleteInvalidatesUserJobs(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, UserJobsKey("user-1"), []byte("[]"), TTLUserJobs))
	require.NoError(t, InvalidateUserJobs(ctx, c, "user-1"))

	_, ok, err := c.Get(ctx, UserJobsKey("user-1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_LocalLayerServesAfterRedisExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Hour))
	mr.FastForward(2 * time.Hour)

	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestRedisCache_EvictsOldestHalfWhenOverMaxSize(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client, zaptest.NewLogger(t), 4)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, c.Set(ctx, FileMetaKey(string(rune('a'+i))), []byte("v"), 0))
	}

	c.mu.RLock()
	size := len(c.local)
	c.mu.RUnlock()
	assert.LessOrEqual(t, size, 4)
}

func TestNoopCache_AlwaysMissesButSetSucceeds(t *testing.T) {
	var c NoopCache
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Hour))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
