package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func newTestMemoryCache(t *testing.T, config *Config) *MemoryCache {
	t.Helper()
	mc := NewMemoryCache(config, zap.NewNop())
	t.Cleanup(func() { mc.Close() })
	return mc
}

func TestMemoryCacheGetSet(t *testing.T) {
	mc := newTestMemoryCache(t, &Config{DefaultTTL: time.Hour})
	ctx := context.Background()

	if _, ok, _ := mc.Get(ctx, "fp", "hello"); ok {
		t.Fatalf("Expected miss on empty cache")
	}

	v := []float32{1, 2, 3}
	if err := mc.Set(ctx, "fp", "hello", v); err != nil {
		t.Fatal(err)
	}
	v[0] = 99

	got, ok, err := mc.Get(ctx, "fp", "hello")
	if err != nil || !ok {
		t.Fatalf("Expected hit, got ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3}, got); diff != "" {
		t.Errorf("Cached vector aliased caller memory (-want +got):\n%s", diff)
	}

	if _, ok, _ := mc.Get(ctx, "other-model", "hello"); ok {
		t.Errorf("Fingerprint must be part of the key")
	}

	stats, err := mc.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hits != 1 || stats.Misses != 2 || stats.TotalKeys != 1 || stats.MemoryUsage != 12 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestMemoryCacheBatchDeleteClear(t *testing.T) {
	mc := newTestMemoryCache(t, &Config{DefaultTTL: time.Hour})
	ctx := context.Background()

	if err := mc.SetBatch(ctx, "fp", []string{"a"}, nil); err == nil {
		t.Errorf("Expected length mismatch error")
	}
	if err := mc.SetBatch(ctx, "fp", []string{"a", "b", "c"}, [][]float32{{1}, {2}, {3}}); err != nil {
		t.Fatal(err)
	}

	_ = mc.Delete(ctx, "fp", "b")
	if _, ok, _ := mc.Get(ctx, "fp", "b"); ok {
		t.Errorf("Deleted entry still present")
	}
	if _, ok, _ := mc.Get(ctx, "fp", "a"); !ok {
		t.Errorf("Expected a to survive delete of b")
	}

	_ = mc.Clear(ctx)
	if stats, _ := mc.GetStats(ctx); stats.TotalKeys != 0 {
		t.Errorf("Expected empty cache after Clear, got %d keys", stats.TotalKeys)
	}
}

func TestMemoryCacheCapacity(t *testing.T) {
	mc := newTestMemoryCache(t, &Config{DefaultTTL: time.Hour, MaxEntries: 2})
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_ = mc.Set(ctx, "fp", text, []float32{1})
	}
	if stats, _ := mc.GetStats(ctx); stats.TotalKeys != 2 {
		t.Errorf("Expected capacity to bound entries at 2, got %d", stats.TotalKeys)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := newTestMemoryCache(t, &Config{DefaultTTL: 10 * time.Millisecond})
	ctx := context.Background()

	_ = mc.Set(ctx, "fp", "a", []float32{1})
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := mc.Get(ctx, "fp", "a"); ok {
		t.Errorf("Expected entry to expire")
	}
}

func TestNew(t *testing.T) {
	c, err := New(&Config{Enabled: false}, zap.NewNop())
	if err != nil || c != nil {
		t.Errorf("Disabled cache should be nil, got %v, %v", c, err)
	}

	c, err = New(&Config{Enabled: true, Backend: BackendMemory}, zap.NewNop())
	if err != nil {
		t.Fatalf("New memory cache failed: %v", err)
	}
	if _, ok := c.(*MemoryCache); !ok {
		t.Errorf("Expected *MemoryCache, got %T", c)
	}
	c.Close()

	if _, err := New(&Config{Enabled: true, Backend: "memcached"}, zap.NewNop()); err == nil {
		t.Errorf("Expected error for unknown backend")
	}
}
