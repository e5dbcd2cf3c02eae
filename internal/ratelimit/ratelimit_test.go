package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTokenBucket_AllowWithinBurst(t *testing.T) {
	bucket := NewTokenBucket(newTestClient(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := bucket.Allow(ctx, "bucket:a", 1, 3)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d", i)
	}

	result, err := bucket.Allow(ctx, "bucket:a", 1, 3)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	bucket := NewTokenBucket(newTestClient(t))
	ctx := context.Background()

	result, err := bucket.Allow(ctx, "bucket:a", 1, 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = bucket.Allow(ctx, "bucket:a", 1, 1)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	result, err = bucket.Allow(ctx, "bucket:b", 1, 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestTokenBucket_Refills(t *testing.T) {
	bucket := NewTokenBucket(newTestClient(t))
	ctx := context.Background()

	// 100 tokens/sec refills one token in 10ms.
	result, err := bucket.Allow(ctx, "bucket:refill", 100, 1)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = bucket.Allow(ctx, "bucket:refill", 100, 1)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	time.Sleep(50 * time.Millisecond)
	result, err = bucket.Allow(ctx, "bucket:refill", 100, 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestTokenBucket_ValidatesArguments(t *testing.T) {
	bucket := NewTokenBucket(newTestClient(t))

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)

	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)

	_, err = bucket.Allow(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestIngestLimiter_NilAdmitsEverything(t *testing.T) {
	var limiter *IngestLimiter

	result, err := limiter.AllowTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestNewIngestLimiter(t *testing.T) {
	client := newTestClient(t)

	limiter, err := NewIngestLimiter(config.Config{}, client)
	require.NoError(t, err)
	assert.Nil(t, limiter)

	_, err = NewIngestLimiter(config.Config{
		RateLimit: config.RateLimitConfig{Enabled: true},
	}, client)
	assert.Error(t, err)

	limiter, err = NewIngestLimiter(config.Config{
		RateLimit: config.RateLimitConfig{Enabled: true, IngestRate: 10, IngestBurst: 2},
	}, client)
	require.NoError(t, err)
	require.NotNil(t, limiter)

	result, err := limiter.AllowTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLocker_MutualExclusion(t *testing.T) {
	locker := NewLocker(newTestClient(t))
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing with the wrong token keeps the lock held.
	require.NoError(t, locker.Release(ctx, "lock:a", "stale-token"))
	_, ok, err = locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "lock:a", token))
	_, ok, err = locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
