package config

import (
	"time"

	"github.com/raaihank/embedlib/internal/cache"
	"github.com/raaihank/embedlib/internal/embeddings"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/etl"
	"github.com/raaihank/embedlib/internal/logger"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/pooling"
	"github.com/raaihank/embedlib/internal/vector"
)

// Config represents the main configuration structure
type Config struct {
	Model     ModelConfig       `yaml:"model" mapstructure:"model"`
	Server    ServerConfig      `yaml:"server" mapstructure:"server"`
	Logging   logger.Config     `yaml:"logging" mapstructure:"logging"`
	Cache     cache.Config      `yaml:"cache" mapstructure:"cache"`
	Database  vector.Config     `yaml:"database" mapstructure:"database"`
	Service   embeddings.Config `yaml:"service" mapstructure:"service"`
	WebSocket WebSocketConfig   `yaml:"websocket" mapstructure:"websocket"`
	ETL       etl.Config        `yaml:"etl" mapstructure:"etl"`
}

// ModelConfig locates the model artifacts and sets engine options.
type ModelConfig struct {
	model.Paths     `yaml:",inline" mapstructure:",squash"`
	ApproximateGELU bool   `yaml:"approximate_gelu" mapstructure:"approximate_gelu"`
	Pooling         string `yaml:"pooling" mapstructure:"pooling"`
	Normalize       bool   `yaml:"normalize" mapstructure:"normalize"`
	Backend         string `yaml:"backend" mapstructure:"backend"`
	ONNXModelPath   string `yaml:"onnx_model_path" mapstructure:"onnx_model_path"`
}

// EngineOptions converts the model section into engine.Init options.
func (m ModelConfig) EngineOptions() engine.Options {
	return engine.Options{
		ApproximateGELU: m.ApproximateGELU,
		Pooling:         pooling.Strategy(m.Pooling),
		Normalize:       m.Normalize,
		Backend:         m.Backend,
		ONNXModelPath:   m.ONNXModelPath,
	}
}

// Configured reports whether all three artifact paths are set.
func (m ModelConfig) Configured() bool {
	return m.Config != "" && m.Tokenizer != "" && m.Weights != ""
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	StatusInterval  time.Duration `yaml:"status_interval" mapstructure:"status_interval"` // 0 disables
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Events          struct {
		BroadcastModel       bool `yaml:"broadcast_model" mapstructure:"broadcast_model"`
		BroadcastSystem      bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Model: ModelConfig{
			Pooling: string(pooling.Mean),
			Backend: "native",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    4 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: &logger.FileConfig{
				Enabled: false,
				Path:    "logs/embedd.log",
			},
		},
		Cache: cache.Config{
			Enabled:        false,
			Backend:        cache.BackendRedis,
			RedisURL:       "redis://localhost:6379/0",
			MaxConnections: 10,
			MinIdleConns:   2,
			DefaultTTL:     24 * time.Hour,
			KeyPrefix:      "embedlib",
			MaxEntries:     100000,
		},
		Database: vector.Config{
			Enabled:         false,
			DatabaseURL:     "postgres://localhost:5432/embedlib?sslmode=disable",
			Table:           vector.DefaultTable,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Service: embeddings.DefaultConfig(),
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			StatusInterval:  30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		ETL: etl.DefaultConfig(),
	}
	cfg.WebSocket.Events.BroadcastModel = true
	cfg.WebSocket.Events.BroadcastSystem = true
	cfg.WebSocket.Events.BroadcastConnections = true
	return cfg
}
