package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/config"
	"go.uber.org/zap"
)

const keySendChannel = "dunning:send:"

// SendLimiter throttles provider calls per channel. It allows everything when
// Redis or a positive rate is not configured, and when Redis errors.
type SendLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewSendLimiter(client *redis.Client, cfg config.Config, log *zap.Logger) *SendLimiter {
	burst := cfg.Engine.SendRateBurst
	if burst <= 0 {
		burst = 1
	}
	return &SendLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.Engine.SendRatePerSecond,
		burst:  burst,
		log:    log.Named("ratelimit.send"),
	}
}

func (l *SendLimiter) Enabled() bool {
	return l != nil && l.bucket != nil && l.rate > 0
}

// Allow reports whether a send may proceed now, and otherwise how long to wait.
func (l *SendLimiter) Allow(ctx context.Context, ch channeldomain.Channel) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	ok, wait, err := l.bucket.Take(ctx, keySendChannel+string(ch), l.rate, l.burst)
	if err != nil {
		l.log.Warn("send rate limiter unavailable", zap.String("channel", string(ch)), zap.Error(err))
		return true, 0
	}
	return ok, wait
}
