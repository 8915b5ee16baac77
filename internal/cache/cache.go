// Package cache declares the byte cache the API reads through.
package cache

import (
	"context"
	"time"
)

// BytesCache stores opaque values under string keys. A miss is reported with
// ok=false and a nil error.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Limiter admits at most limit hits per window for a key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)
}

type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

func OrderKey(orderNumber string) string { return "order:" + orderNumber }

func TrackLimitKey(scope string) string { return "rl:track:" + scope }
