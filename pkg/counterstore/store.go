// Package counterstore provides the shared atomic counter primitive used by
// the request rate limiter and the monthly token budget. Both limiters rely
// on a single indivisible increment-and-read-TTL operation so concurrent
// callers cannot race between checking and incrementing.
package counterstore

import (
	"context"
	"time"
)

// Store is the atomic counter primitive. IncrWithTTL increments the counter
// by delta and returns the new value together with the remaining window. If
// the counter had no expiry yet, the call that created it sets the expiry to
// window (first request initializes the window).
type Store interface {
	IncrWithTTL(ctx context.Context, key string, delta int64, window time.Duration) (count int64, ttl time.Duration, err error)
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}
