package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// MemoryCache is an in-process EmbeddingCache with TTL expiry and a bounded
// entry count. It is used when no Redis server is configured.
type MemoryCache struct {
	cache  *ttlcache.Cache[string, []float32]
	logger *zap.Logger

	hits, misses atomic.Int64
	lookupNanos  atomic.Int64
}

var _ EmbeddingCache = (*MemoryCache)(nil)

// NewMemoryCache starts the expiry loop; Close stops it.
func NewMemoryCache(config *Config, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []ttlcache.Option[string, []float32]{
		ttlcache.WithTTL[string, []float32](config.DefaultTTL),
		ttlcache.WithDisableTouchOnHit[string, []float32](),
	}
	if config.MaxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []float32](uint64(config.MaxEntries)))
	}
	c := ttlcache.New[string, []float32](opts...)
	go c.Start()

	logger.Info("In-memory embedding cache initialized",
		zap.Duration("default_ttl", config.DefaultTTL),
		zap.Int("max_entries", config.MaxEntries))

	return &MemoryCache{cache: c, logger: logger}
}

func memoryKey(fingerprint, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fingerprint + ":" + hex.EncodeToString(sum[:16])
}

// Get returns a copy of the cached embedding.
func (mc *MemoryCache) Get(_ context.Context, fingerprint, text string) ([]float32, bool, error) {
	start := time.Now()
	defer func() { mc.lookupNanos.Add(int64(time.Since(start))) }()

	item := mc.cache.Get(memoryKey(fingerprint, text))
	if item == nil {
		mc.misses.Add(1)
		return nil, false, nil
	}
	mc.hits.Add(1)
	return slices.Clone(item.Value()), true, nil
}

func (mc *MemoryCache) Set(_ context.Context, fingerprint, text string, embedding []float32) error {
	mc.cache.Set(memoryKey(fingerprint, text), slices.Clone(embedding), ttlcache.DefaultTTL)
	return nil
}

func (mc *MemoryCache) SetBatch(ctx context.Context, fingerprint string, texts []string, embeddings [][]float32) error {
	if len(texts) != len(embeddings) {
		return fmt.Errorf("texts and embeddings length mismatch: %d != %d", len(texts), len(embeddings))
	}
	for i, text := range texts {
		_ = mc.Set(ctx, fingerprint, text, embeddings[i])
	}
	return nil
}

func (mc *MemoryCache) Delete(_ context.Context, fingerprint, text string) error {
	mc.cache.Delete(memoryKey(fingerprint, text))
	return nil
}

func (mc *MemoryCache) Clear(_ context.Context) error {
	n := mc.cache.Len()
	mc.cache.DeleteAll()
	mc.logger.Info("Cache cleared", zap.Int("deleted_keys", n))
	return nil
}

func (mc *MemoryCache) GetStats(_ context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:      mc.hits.Load(),
		Misses:    mc.misses.Load(),
		TotalKeys: int64(mc.cache.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
		stats.AvgResponseTime = float64(mc.lookupNanos.Load()) / float64(total) / float64(time.Millisecond)
	}
	for _, item := range mc.cache.Items() {
		stats.MemoryUsage += int64(4 * len(item.Value()))
	}
	return stats, nil
}

// Close stops the expiry loop.
func (mc *MemoryCache) Close() error {
	mc.cache.Stop()
	return nil
}
