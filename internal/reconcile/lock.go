package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another replica is running the job.
var ErrLockHeld = errors.New("reconcile lock held by another runner")

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker hands out a named, expiring run lock.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// NopLocker always succeeds. It is enough for a single replica.
type NopLocker struct{}

func (NopLocker) Obtain(context.Context, string, time.Duration) (Unlock, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker implements Locker with redislock.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// Expired before we finished; nothing left to release.
			return nil
		}
		return err
	}, nil
}
