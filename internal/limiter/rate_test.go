package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"qualisys/pkg/counterstore"
)

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewRateLimiter(store, 10, time.Minute, zap.NewNop())
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if err := l.Allow(ctx, "delete_project", "10.0.0.1"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}

	err := l.Allow(ctx, "delete_project", "10.0.0.1")
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("request 11: err = %v, want *RateLimitError", err)
	}
	if rateErr.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %s, want at least 1s", rateErr.RetryAfter)
	}
	if rateErr.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %s, exceeds the window", rateErr.RetryAfter)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	store := counterstore.NewMemoryStore()
	l := NewRateLimiter(store, 1, time.Minute, zap.NewNop())
	ctx := context.Background()

	if err := l.Allow(ctx, "delete_project", "10.0.0.1"); err != nil {
		t.Fatalf("first client rejected: %v", err)
	}
	if err := l.Allow(ctx, "delete_project", "10.0.0.2"); err != nil {
		t.Fatalf("different client shares a counter: %v", err)
	}
	if err := l.Allow(ctx, "create_project", "10.0.0.1"); err != nil {
		t.Fatalf("different action shares a counter: %v", err)
	}
	if err := l.Allow(ctx, "delete_project", "10.0.0.1"); err == nil {
		t.Fatal("second request for the same key was not limited")
	}
}
