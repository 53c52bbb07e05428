package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// Cache backends
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// New builds the cache selected by config.Backend. It returns nil when the
// cache is disabled.
func New(config *Config, logger *zap.Logger) (EmbeddingCache, error) {
	if !config.Enabled {
		return nil, nil
	}
	switch config.Backend {
	case "", BackendRedis:
		rc, err := NewRedisCache(config, logger)
		if err != nil {
			return nil, err
		}
		return rc, nil
	case BackendMemory:
		return NewMemoryCache(config, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", config.Backend)
	}
}
