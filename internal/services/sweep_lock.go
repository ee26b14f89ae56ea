package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepLock is a best-effort lease that keeps scheduler instances from
// sweeping at the same time. Sweeps stay correct without it.
type SweepLock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}

// RedisSweepLock implements SweepLock with SET NX
type RedisSweepLock struct {
	client *redis.Client
}

// NewRedisSweepLock creates a Redis-backed sweep lock
func NewRedisSweepLock(client *redis.Client) *RedisSweepLock {
	return &RedisSweepLock{client: client}
}

// releaseScript deletes the lease only while we still own it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire implements SweepLock
func (l *RedisSweepLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := fmt.Sprintf("sweep_lock:%s", name)
	owner := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		_ = releaseScript.Run(context.Background(), l.client, []string{key}, owner).Err()
	}
	return release, true, nil
}

// LocalSweepLock always grants the lease; used without Redis
type LocalSweepLock struct{}

// Acquire implements SweepLock
func (LocalSweepLock) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
