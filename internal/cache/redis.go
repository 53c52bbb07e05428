package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisCache is the Redis-backed EmbeddingCache.
type RedisCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger

	hits, misses atomic.Int64
	lookupNanos  atomic.Int64
}

var _ EmbeddingCache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(config *Config, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	cache := NewRedisCacheWithClient(redis.NewClient(opts), config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.client.Ping(ctx).Err(); err != nil {
		cache.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Embedding cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// NewRedisCacheWithClient wraps an existing client without pinging it.
func NewRedisCacheWithClient(client *redis.Client, config *Config, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, config: config, logger: logger}
}

// Get returns the cached embedding for text under the given model
// fingerprint. Lookup failures are logged and reported as a miss.
func (rc *RedisCache) Get(ctx context.Context, fingerprint, text string) ([]float32, bool, error) {
	start := time.Now()
	defer func() { rc.lookupNanos.Add(int64(time.Since(start))) }()

	key := rc.Key(fingerprint, text)
	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		rc.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		rc.misses.Add(1)
		rc.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, false, nil
	}

	embedding, err := DecodeVector(data)
	if err != nil {
		rc.misses.Add(1)
		rc.logger.Warn("Dropping corrupted cache entry", zap.String("key", key), zap.Error(err))
		rc.client.Del(ctx, key)
		return nil, false, nil
	}

	rc.hits.Add(1)
	return embedding, true, nil
}

// Set stores embedding with the default TTL.
func (rc *RedisCache) Set(ctx context.Context, fingerprint, text string, embedding []float32) error {
	if err := rc.client.Set(ctx, rc.Key(fingerprint, text), EncodeVector(embedding), rc.config.DefaultTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// SetBatch stores several embeddings in one pipeline.
func (rc *RedisCache) SetBatch(ctx context.Context, fingerprint string, texts []string, embeddings [][]float32) error {
	if len(texts) != len(embeddings) {
		return fmt.Errorf("texts and embeddings length mismatch: %d != %d", len(texts), len(embeddings))
	}
	if len(texts) == 0 {
		return nil
	}

	pipe := rc.client.Pipeline()
	for i, text := range texts {
		pipe.Set(ctx, rc.Key(fingerprint, text), EncodeVector(embeddings[i]), rc.config.DefaultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rc.logger.Error("Batch cache operation failed", zap.Error(err))
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	rc.logger.Debug("Batch cache operation completed", zap.Int("cached_embeddings", len(texts)))
	return nil
}

// Delete removes one entry.
func (rc *RedisCache) Delete(ctx context.Context, fingerprint, text string) error {
	return rc.client.Del(ctx, rc.Key(fingerprint, text)).Err()
}

// GetStats returns cache performance statistics
func (rc *RedisCache) GetStats(ctx context.Context) (*CacheStats, error) {
	info, err := rc.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := rc.localStats()
	stats.MemoryUsage = parseUsedMemory(info)
	if keys, err := rc.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats, nil
}

func (rc *RedisCache) localStats() *CacheStats {
	stats := &CacheStats{Hits: rc.hits.Load(), Misses: rc.misses.Load()}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
		stats.AvgResponseTime = float64(rc.lookupNanos.Load()) / float64(total) / float64(time.Millisecond)
	}
	return stats
}

// Clear removes all cached embeddings
func (rc *RedisCache) Clear(ctx context.Context) error {
	iter := rc.client.Scan(ctx, 0, rc.config.KeyPrefix+":emb:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := rc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			rc.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	rc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

// Key builds the cache key for text under a model fingerprint.
func (rc *RedisCache) Key(fingerprint, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:emb:%s:%s", rc.config.KeyPrefix, fingerprint, hex.EncodeToString(sum[:16]))
}

// EncodeVector writes v as little-endian float32s.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding of %d bytes", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	if colon < 0 || !strings.Contains(userPart[:colon], "//") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
