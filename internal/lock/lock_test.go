package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) *RedisLock {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLock(client)
}

func TestTryAcquire_SecondCallerBlockedUntilReleased(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "rollout-monitor", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := l.TryAcquire(ctx, "rollout-monitor", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok2)

	release()

	_, ok3, err := l.TryAcquire(ctx, "rollout-monitor", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok3)
}

func TestTryAcquire_ExpiresAfterTTL(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	_, ok, err := l.TryAcquire(ctx, "rollout-monitor", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok2, err := l.TryAcquire(ctx, "rollout-monitor", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok2)
}

func TestTryAcquire_DifferentNamesDoNotConflict(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	_, ok1, err := l.TryAcquire(ctx, "rollout-monitor", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok1)

	_, ok2, err := l.TryAcquire(ctx, "webhook-intake", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok2)
}
