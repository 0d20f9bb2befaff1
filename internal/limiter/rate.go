// Package limiter implements the request rate limiter and the monthly token
// budget. Both sit on the same atomic increment-and-read primitive so
// concurrent checks cannot race.
package limiter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qualisys/pkg/counterstore"
)

// RateLimitError reports a rejected request together with how long the
// client should wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// RateLimiter enforces a sliding-window request cap per (action, client).
type RateLimiter struct {
	store  counterstore.Store
	max    int64
	window time.Duration
	log    *zap.Logger
}

// NewRateLimiter creates a limiter allowing max requests per window.
func NewRateLimiter(store counterstore.Store, max int, window time.Duration, log *zap.Logger) *RateLimiter {
	return &RateLimiter{store: store, max: int64(max), window: window, log: log}
}

// Allow records one request for (action, clientID) and rejects it if the
// window's cap is exceeded. Increment happens before the check, as a single
// atomic operation with the TTL read, so two concurrent callers can never
// both observe "not yet over limit". The retry-after is the remaining
// window, never below one second so clients are not told to retry
// immediately.
func (l *RateLimiter) Allow(ctx context.Context, action, clientID string) error {
	key := fmt.Sprintf("ratelimit:%s:%s", action, clientID)

	count, ttl, err := l.store.IncrWithTTL(ctx, key, 1, l.window)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}

	if count > l.max {
		retryAfter := ttl
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.log.Warn("Rate limit exceeded",
			zap.String("action", action),
			zap.String("client", clientID),
			zap.Int64("count", count),
			zap.Int64("max", l.max))
		return &RateLimitError{RetryAfter: retryAfter}
	}

	return nil
}
