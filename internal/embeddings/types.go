package embeddings

import (
	"time"

	"github.com/raaihank/embedlib/internal/engine"
)

// Config contains service configuration
type Config struct {
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	MaxBatch     int           `yaml:"max_batch" mapstructure:"max_batch"` // 0 = unlimited
	CacheTimeout time.Duration `yaml:"cache_timeout" mapstructure:"cache_timeout"`
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 32, Workers: 4, MaxBatch: 256, CacheTimeout: 200 * time.Millisecond}
}

// EmbeddingResult represents the result of embedding generation
type EmbeddingResult struct {
	Embedding  []float32     `json:"embedding"`
	Duration   time.Duration `json:"duration"`
	TokenCount int           `json:"token_count"`
	Truncated  bool          `json:"truncated"`
	Model      string        `json:"model"`
	CacheHit   bool          `json:"cache_hit"`
}

// BatchEmbeddingResult represents the result of batch embedding generation.
// Embeddings is in input order; a failed text leaves a nil entry.
type BatchEmbeddingResult struct {
	Embeddings [][]float32   `json:"embeddings"`
	Duration   time.Duration `json:"duration"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Errors     []error       `json:"-"`
	Model      string        `json:"model"`
	CacheHits  int           `json:"cache_hits"`
	TokenCount int           `json:"token_count"` // uncached texts only
}

// ModelStats represents model performance statistics
type ModelStats struct {
	engine.Stats
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
	Ready         bool    `json:"ready"`
}
