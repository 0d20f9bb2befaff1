package counterstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	count, ttl, err := s.IncrWithTTL(ctx, "k", 3, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want in (0, 1m]", ttl)
	}

	count, _, err = s.IncrWithTTL(ctx, "k", 2, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 5 {
		t.Errorf("Get = %d, want 5", got)
	}
}

func TestMemoryStoreKeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.IncrWithTTL(ctx, "a", 10, time.Minute); err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	count, _, err := s.IncrWithTTL(ctx, "b", 1, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestMemoryStoreWindowExpiryResetsCounter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	if _, _, err := s.IncrWithTTL(ctx, "k", 100, time.Minute); err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}

	current = current.Add(61 * time.Second)

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 0 {
		t.Errorf("Get after expiry = %d, want 0", got)
	}

	count, _, err := s.IncrWithTTL(ctx, "k", 1, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if count != 1 {
		t.Errorf("count after expiry = %d, want 1", count)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.IncrWithTTL(ctx, "k", 7, time.Minute); err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 0 {
		t.Errorf("Get after delete = %d, want 0", got)
	}
}
