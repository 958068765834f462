package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

const defaultKeyPrefix = "lock:"

// RedisLocker grants leases stored in Redis, visible to every process that
// shares the Redis instance.
type RedisLocker struct {
	client    *redislock.Client
	keyPrefix string
	retry     time.Duration
}

// NewRedisLocker constructs a locker on top of a go-redis client. retry is the
// interval between acquisition attempts while waiting.
func NewRedisLocker(client redislock.RedisClient, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{
		client:    redislock.New(client),
		keyPrefix: defaultKeyPrefix,
		retry:     retry,
	}
}

// Acquire obtains the lease for key, retrying until wait elapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string, wait, lease time.Duration) (Lease, error) {
	if wait <= 0 {
		wait = DefaultWaitTimeout
	}
	if lease <= 0 {
		lease = DefaultLeaseTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	held, err := l.client.Obtain(waitCtx, l.keyPrefix+key, lease, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	return &redisLease{key: key, lock: held}, nil
}

type redisLease struct {
	key  string
	lock *redislock.Lock
}

func (l *redisLease) Key() string {
	return l.key
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return ErrNotHeld
	}
	return err
}
