package cache

import (
	"testing"
	"time"
)

func TestLRU_BasicOperations(t *testing.T) {
	cache, err := NewLRU[string, int](3, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	cache.Set("key1", 42)
	if val, ok := cache.Get("key1"); !ok || val != 42 {
		t.Errorf("Get(key1) = (%v, %v), want (42, true)", val, ok)
	}
	if _, ok := cache.Get("nonexistent"); ok {
		t.Error("Get(nonexistent) should return false")
	}

	cache.Set("key2", 100)
	cache.Set("key3", 200)
	cache.Get("key1")      // key1 becomes most recent
	cache.Set("key4", 300) // evicts key2

	if _, ok := cache.Get("key2"); ok {
		t.Error("key2 should have been evicted")
	}
	if _, ok := cache.Get("key1"); !ok {
		t.Error("key1 was recently used and should survive")
	}
	if got := cache.Stats().Evicted; got != 1 {
		t.Errorf("Stats.Evicted = %d, want 1", got)
	}
}

func TestLRU_Expiration(t *testing.T) {
	cache, err := NewLRU[string, string](10, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	cache.Set("key1", "value1")
	cache.Set("key2", "value2")
	if _, ok := cache.Get("key1"); !ok {
		t.Error("key1 should be present before expiration")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("key1"); ok {
		t.Error("key1 should have expired")
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after expired Get", cache.Len())
	}
	if removed := cache.CleanupExpired(); removed != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", removed)
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d after cleanup, want 0", cache.Len())
	}
}

func TestLRU_Stats(t *testing.T) {
	cache, err := NewLRU[string, int](5, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	cache.Set("key1", 1)
	cache.Set("key2", 2)
	cache.Get("key1")
	cache.Get("key1")
	cache.Get("missing")

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 2 {
		t.Errorf("Stats = %+v, want 2 hits, 1 miss, size 2", stats)
	}
	expectedHitRate := 2.0 / 3.0
	if stats.HitRate < expectedHitRate-0.01 || stats.HitRate > expectedHitRate+0.01 {
		t.Errorf("Stats.HitRate = %f, want ~%f", stats.HitRate, expectedHitRate)
	}

	cache.Delete("key1")
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len() = %d after Clear(), want 0", cache.Len())
	}
}
