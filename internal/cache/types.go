package cache

import (
	"context"
	"time"
)

// EmbeddingCache stores embeddings keyed by model fingerprint and text.
type EmbeddingCache interface {
	Get(ctx context.Context, fingerprint, text string) ([]float32, bool, error)
	Set(ctx context.Context, fingerprint, text string, embedding []float32) error
	SetBatch(ctx context.Context, fingerprint string, texts []string, embeddings [][]float32) error
	Delete(ctx context.Context, fingerprint, text string) error
	Clear(ctx context.Context) error
	GetStats(ctx context.Context) (*CacheStats, error)
	Close() error
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	HitRate         float64 `json:"hit_rate"`
	TotalKeys       int64   `json:"total_keys"`
	MemoryUsage     int64   `json:"memory_usage_bytes"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`
}

// Config contains cache configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Backend        string        `yaml:"backend" mapstructure:"backend"` // redis (default) or memory
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	MaxEntries     int           `yaml:"max_entries" mapstructure:"max_entries"` // memory backend only; 0 = unbounded
}
