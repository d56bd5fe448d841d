// Package lock provides a distributed advisory lock backed by Redis,
// used to keep exactly one instance of the Rollout Monitor ticking at
// a time when the control plane is scaled horizontally (§5).
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLock implements rollout.Lock with SET NX PX / a CAS-delete on
// release, over whatever Redis client it is given (control.NewServer
// passes its shared client, not the rate limiter's own Valkey client).
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock wraps an existing Redis client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// TryAcquire attempts to take the named lock for ttl. It returns
// ok=false (no error) if another holder currently has it.
func (l *RedisLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	token := uuid.New().String()
	key := "lock:" + name

	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	release = func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
