package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisThrottle(t *testing.T) *RedisThrottle {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	th := NewRedisThrottle(client)
	th.retryAfter = 10 * time.Millisecond
	return th
}

func TestRedisThrottleAllowsUpToLimit(t *testing.T) {
	th := newTestRedisThrottle(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, th.Wait(ctx, "camp-1", 3))
	}
}

func TestRedisThrottleBlocksWhenMinuteBucketFull(t *testing.T) {
	th := newTestRedisThrottle(t)
	ctx := context.Background()

	require.NoError(t, th.Wait(ctx, "camp-1", 1))

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	err := th.Wait(waitCtx, "camp-1", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisThrottleIsolatesCampaigns(t *testing.T) {
	th := newTestRedisThrottle(t)
	ctx := context.Background()

	require.NoError(t, th.Wait(ctx, "camp-1", 1))
	require.NoError(t, th.Wait(ctx, "camp-2", 1))
}

func TestRedisThrottleZeroMeansUnthrottled(t *testing.T) {
	th := newTestRedisThrottle(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, th.Wait(ctx, "camp-1", 0))
	}
}

func TestLocalThrottleAllowsBurstThenBlocks(t *testing.T) {
	th := NewLocalThrottle()
	ctx := context.Background()

	// 1/minute: the single burst token is consumed immediately, the next
	// call would wait a full minute.
	require.NoError(t, th.Wait(ctx, "camp-1", 1))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, th.Wait(waitCtx, "camp-1", 1))
}

func TestLocalThrottleIsolatesCampaigns(t *testing.T) {
	th := NewLocalThrottle()
	ctx := context.Background()

	require.NoError(t, th.Wait(ctx, "camp-1", 1))
	require.NoError(t, th.Wait(ctx, "camp-2", 1))
}
