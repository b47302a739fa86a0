// Package lock keeps replicas from running the same pass concurrently.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrRedisAddrRequired = errors.New("redis_addr_required")
	ErrLockKeyEmpty      = errors.New("lock_key_empty")
)

const keyPrefix = "dunning:pass:"

// PassLocker wraps redislock. Without a Redis client every call runs
// unguarded; database conditional updates remain the source of truth.
type PassLocker struct {
	client *redislock.Client
	log    *zap.Logger
}

func NewPassLocker(client *redis.Client, log *zap.Logger) *PassLocker {
	l := &PassLocker{log: log.Named("lock")}
	if client != nil {
		l.client = redislock.New(client)
	}
	return l
}

func (l *PassLocker) Enabled() bool {
	return l != nil && l.client != nil
}

// Run executes fn while holding key. It returns false without calling fn
// when another holder owns the key.
func (l *PassLocker) Run(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if key == "" {
		return false, ErrLockKeyEmpty
	}
	if !l.Enabled() {
		return true, fn(ctx)
	}

	held, err := l.client.Obtain(ctx, keyPrefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.log.Debug("pass lock held elsewhere", zap.String("key", key))
		return false, nil
	}
	if err != nil {
		// Redis trouble must not stop the engine.
		l.log.Warn("pass lock unavailable, running unguarded", zap.String("key", key), zap.Error(err))
		return true, fn(ctx)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.Warn("release pass lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return true, fn(ctx)
}
