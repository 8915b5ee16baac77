package rediscache

import (
	"context"
	"time"

	"github.com/BearBump/FulfillBox/internal/cache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter shared by every API replica.
type RateLimiter struct {
	c *redis.Client
}

var _ cache.Limiter = (*RateLimiter)(nil)

func NewRateLimiter(opts Options) *RateLimiter {
	return &RateLimiter{c: newClient(opts)}
}

// Allow increments the key and arms its TTL on the first hit of a window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (cache.Decision, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return cache.Decision{}, errors.Wrap(err, "redis ratelimit")
	}

	n := incr.Val()
	d := cache.Decision{Allowed: n <= limit, Count: n}
	if !d.Allowed {
		d.RetryAfter = ttl.Val()
		if d.RetryAfter <= 0 {
			d.RetryAfter = window
		}
	}
	return d, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
