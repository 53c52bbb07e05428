// Package config loads the embedd/etl configuration from YAML and
// EMBEDLIB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/cache"
	"github.com/raaihank/embedlib/internal/encoder"
	"github.com/raaihank/embedlib/internal/pooling"
)

// EnvPrefix prefixes every environment override, e.g. EMBEDLIB_MODEL_WEIGHTS_PATH.
const EnvPrefix = "EMBEDLIB"

// envKeys are the settings that may be overridden from the environment.
// Viper only resolves environment variables for keys it knows about.
var envKeys = []string{
	"model.config_path",
	"model.tokenizer_path",
	"model.weights_path",
	"model.approximate_gelu",
	"model.pooling",
	"model.normalize",
	"model.backend",
	"model.onnx_model_path",
	"server.port",
	"server.read_timeout",
	"server.write_timeout",
	"server.idle_timeout",
	"server.shutdown_timeout",
	"server.max_body_bytes",
	"server.rate_limit.enabled",
	"server.rate_limit.requests_per_second",
	"server.rate_limit.burst",
	"logging.level",
	"logging.format",
	"logging.output",
	"cache.enabled",
	"cache.backend",
	"cache.redis_url",
	"cache.default_ttl",
	"cache.key_prefix",
	"database.enabled",
	"database.database_url",
	"database.table",
	"service.batch_size",
	"service.workers",
	"service.max_batch",
	"websocket.enabled",
	"websocket.username",
	"websocket.password",
	"etl.batch_size",
	"etl.worker_count",
	"etl.timeout",
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/embedlib/")
	v.AddConfigPath("$HOME/.embedlib/")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	bindEnv(v)
	return v
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// LoadEnv builds the configuration from defaults and EMBEDLIB_* variables
// only, without looking for a file. The shared library uses it so a host
// process's working directory never changes engine behavior.
func LoadEnv() (*Config, error) {
	v := viper.New()
	bindEnv(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if _, err := pooling.ParseStrategy(config.Model.Pooling); err != nil {
		return fmt.Errorf("invalid model pooling: %w", err)
	}

	switch config.Model.Backend {
	case "", encoder.BackendNative:
	case encoder.BackendONNX:
		if config.Model.ONNXModelPath == "" {
			return fmt.Errorf("model backend %q requires onnx_model_path", config.Model.Backend)
		}
		if config.Model.ApproximateGELU {
			return fmt.Errorf("model backend %q does not support approximate_gelu", config.Model.Backend)
		}
	default:
		return fmt.Errorf("invalid model backend: %s (must be %s or %s)", config.Model.Backend, encoder.BackendNative, encoder.BackendONNX)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if rl := config.Server.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		return fmt.Errorf("invalid rate limit: %v req/s, burst %d", rl.RequestsPerSecond, rl.Burst)
	}

	if config.Cache.Enabled {
		switch config.Cache.Backend {
		case "", cache.BackendRedis:
			if config.Cache.RedisURL == "" {
				return fmt.Errorf("cache enabled without redis_url")
			}
		case cache.BackendMemory:
		default:
			return fmt.Errorf("invalid cache backend: %s (must be %s or %s)", config.Cache.Backend, cache.BackendRedis, cache.BackendMemory)
		}
	}

	if config.Database.Enabled && config.Database.DatabaseURL == "" {
		return fmt.Errorf("database enabled without database_url")
	}

	if ws := config.WebSocket; ws.Enabled && (ws.Username == "") != (ws.Password == "") {
		return fmt.Errorf("websocket username and password must be set together")
	}

	return nil
}

// Watch re-reads configPath whenever it changes and passes each valid
// configuration to callback. Invalid edits are logged and skipped.
func Watch(configPath string, logger *zap.Logger, callback func(*Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := decode(v)
		if err != nil {
			logger.Error("Ignoring configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("Configuration changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
