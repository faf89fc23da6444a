package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creatorpay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockerSingleHolder(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)
	locker := NewLocker(Params{Client: client})

	lease, err := locker.Acquire(ctx, "scheduler:lock:job", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "scheduler:lock:job", lease.Key())

	_, err = locker.Acquire(ctx, "scheduler:lock:job", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("scheduler:lock:job"))

	_, err = locker.Acquire(ctx, "scheduler:lock:job", time.Minute)
	assert.NoError(t, err)
}

func TestLeaseReleaseKeepsForeignHolder(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)
	locker := NewLocker(Params{Client: client})

	stale, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("k"))
	assert.ErrorIs(t, stale.Extend(ctx, time.Minute), ErrLockLost)
}

func TestLeaseExtend(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)
	locker := NewLocker(Params{Client: client})

	lease, err := locker.Acquire(ctx, "k", 2*time.Second)
	require.NoError(t, err)

	mr.FastForward(time.Second)
	require.NoError(t, lease.Extend(ctx, 10*time.Second))
	mr.FastForward(5 * time.Second)
	assert.True(t, mr.Exists("k"))
}

func TestNilLockerWithoutRedis(t *testing.T) {
	assert.Nil(t, NewLocker(Params{}))
}

func TestTransferLimiterDeniesPastBurst(t *testing.T) {
	ctx := context.Background()
	_, client := newClient(t)
	limiter, err := NewTransferLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, TransferRate: 0.001, TransferBurst: 2}},
		Client: client,
	})
	require.NoError(t, err)
	require.True(t, limiter.Enabled())

	sender := snowflake.ID(77)
	for i := 0; i < 2; i++ {
		res, err := limiter.AllowSender(ctx, sender)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := limiter.AllowSender(ctx, sender)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	res, err = limiter.AllowSender(ctx, snowflake.ID(78))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDisabledTransferLimiterAllows(t *testing.T) {
	limiter, err := NewTransferLimiter(Params{Config: config.Config{}})
	require.NoError(t, err)
	assert.Nil(t, limiter)

	res, err := limiter.AllowSender(context.Background(), snowflake.ID(1))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTransferLimiterRejectsBadConfig(t *testing.T) {
	_, client := newClient(t)
	_, err := NewTransferLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true}},
		Client: client,
	})
	assert.Error(t, err)
}

func TestCellLimiterAdmitsBurstThenSpaces(t *testing.T) {
	ctx := context.Background()
	_, client := newClient(t)
	limiter := NewCellLimiter(client)

	first, err := limiter.Allow(ctx, "k", 0.5, 2)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second, err := limiter.Allow(ctx, "k", 0.5, 2)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third, err := limiter.Allow(ctx, "k", 0.5, 2)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, 2, third.Limit)
	assert.InDelta(t, 2*time.Second, third.RetryAfter, float64(100*time.Millisecond))
}

func TestCellLimiterRejectsBadArguments(t *testing.T) {
	_, client := newClient(t)
	limiter := NewCellLimiter(client)

	_, err := limiter.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)
	_, err = limiter.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)

	var missing *CellLimiter
	_, err = missing.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
}
