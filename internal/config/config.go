// Package config loads the engine configuration from defaults, an optional
// .env file, a YAML file and PROXIMITY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"proximity/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFileVariable names an alternative .env file. The default is ".env" in the
// working directory.
const EnvFileVariable = "PROXIMITY_ENV_FILE"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadDotEnv populates the process environment from a .env file. Variables
// already set win over the file. A missing default file is not an error; a
// missing file named explicitly through PROXIMITY_ENV_FILE is.
func loadDotEnv() error {
	path := os.Getenv(EnvFileVariable)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// deprecatedConfig mirrors keys that used to be accepted and are now ignored.
type deprecatedConfig struct {
	Cache struct {
		TTL     interface{} `yaml:"ttl"`
		Type    string      `yaml:"type"`
		Enabled interface{} `yaml:"enabled"`
	} `yaml:"cache"`
	Engine struct {
		MaxConcurrency interface{} `yaml:"max_concurrency"`
	} `yaml:"engine"`
}

func warnDeprecatedKeys(data []byte) {
	var dep deprecatedConfig
	if err := yaml.Unmarshal(data, &dep); err != nil {
		return
	}
	if dep.Cache.TTL != nil {
		slog.Warn("Config key is no longer used; set cache.memory.ttl and cache.persistent.ttl instead.", "config_key", "cache.ttl")
	}
	if dep.Cache.Type != "" {
		slog.Warn("Config key is no longer used; set cache.persistent.type instead.", "config_key", "cache.type")
	}
	if dep.Cache.Enabled != nil {
		slog.Warn("Config key is no longer used; the memory tier is always on, disable the persistent tier with type none.", "config_key", "cache.enabled")
	}
	if dep.Engine.MaxConcurrency != nil {
		slog.Warn("Config key was renamed to engine.concurrency.", "config_key", "engine.max_concurrency")
	}
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnDeprecatedKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies PROXIMITY_* overrides. Values that fail to parse
// are ignored and the previous value is kept.
func loadFromEnvironment(config *models.Config) {
	// Server
	setInt("PROXIMITY_PORT", &config.Server.Port)
	setString("PROXIMITY_HOST", &config.Server.Host)
	setDuration("PROXIMITY_READ_TIMEOUT", &config.Server.ReadTimeout)
	setDuration("PROXIMITY_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	setDuration("PROXIMITY_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	setBool("PROXIMITY_CORS_ENABLED", &config.Server.CORS.Enabled)
	if origins := os.Getenv("PROXIMITY_CORS_ALLOWED_ORIGINS"); origins != "" {
		config.Server.CORS.AllowedOrigins = splitList(origins)
	}

	// Backend
	setString("PROXIMITY_BACKEND_URL", &config.Backend.BaseURL)
	setDuration("PROXIMITY_BACKEND_TIMEOUT", &config.Backend.Timeout)
	setString("PROXIMITY_BACKEND_TOKEN", &config.Backend.AuthToken)
	setInt("PROXIMITY_DEFAULT_LIMIT", &config.Backend.DefaultLimit)
	setInt("PROXIMITY_AGGREGATE_LIMIT", &config.Backend.AggregateLimit)

	// Engine
	setInt("PROXIMITY_CONCURRENCY", &config.Engine.Concurrency)
	setInt("PROXIMITY_POLL_ATTEMPTS", &config.Engine.PollAttempts)
	setDuration("PROXIMITY_POLL_DELAY", &config.Engine.PollDelay)
	setDuration("PROXIMITY_DEFAULT_RETRY_AFTER", &config.Engine.DefaultRetryAfter)
	setInt("PROXIMITY_SUBMITS_PER_MINUTE", &config.Engine.SubmitsPerMinute)
	setInt("PROXIMITY_SUBMIT_BURST", &config.Engine.SubmitBurst)
	if speed := os.Getenv("PROXIMITY_WALKING_SPEED_KMH"); speed != "" {
		if v, err := strconv.ParseFloat(speed, 64); err == nil {
			config.Engine.WalkingSpeedKmh = v
		}
	}

	// Memory tier
	setDuration("PROXIMITY_MEMORY_CACHE_TTL", &config.Cache.Memory.TTL)
	setInt("PROXIMITY_MEMORY_CACHE_MAX_ENTRIES", &config.Cache.Memory.MaxEntries)
	setDuration("PROXIMITY_MEMORY_CACHE_STALE_RETENTION", &config.Cache.Memory.StaleRetention)
	setDuration("PROXIMITY_MEMORY_CACHE_CLEANUP_INTERVAL", &config.Cache.Memory.CleanupInterval)

	// Persistent tier
	setString("PROXIMITY_STORAGE_TYPE", &config.Cache.Persistent.Type)
	setString("PROXIMITY_STORAGE_PATH", &config.Cache.Persistent.Path)
	setString("PROXIMITY_DATABASE_DSN", &config.Cache.Persistent.DSN)
	setDuration("PROXIMITY_STORAGE_TTL", &config.Cache.Persistent.TTL)
	setInt("PROXIMITY_STORAGE_MAX_PAYLOAD_BYTES", &config.Cache.Persistent.MaxPayloadBytes)
	setString("PROXIMITY_STORAGE_SCHEMA_VERSION", &config.Cache.Persistent.SchemaVersion)
	setString("PROXIMITY_REDIS_ADDR", &config.Cache.Persistent.Redis.Addr)
	setString("PROXIMITY_REDIS_PASSWORD", &config.Cache.Persistent.Redis.Password)
	setInt("PROXIMITY_REDIS_DB", &config.Cache.Persistent.Redis.DB)
	setInt("PROXIMITY_REDIS_POOL_SIZE", &config.Cache.Persistent.Redis.PoolSize)
	setString("PROXIMITY_REDIS_KEY_PREFIX", &config.Cache.Persistent.Redis.KeyPrefix)

	// Logging
	setString("PROXIMITY_LOG_LEVEL", &config.Logging.Level)
	setString("PROXIMITY_LOG_FORMAT", &config.Logging.Format)
	setString("PROXIMITY_LOG_OUTPUT", &config.Logging.Output)
	setString("PROXIMITY_LOG_FILE_PATH", &config.Logging.FilePath)
	setBool("PROXIMITY_LOG_ADD_SOURCE", &config.Logging.AddSource)

	// Metrics
	setBool("PROXIMITY_METRICS_ENABLED", &config.Metrics.Enabled)
	setString("PROXIMITY_METRICS_PATH", &config.Metrics.Path)
	setInt("PROXIMITY_METRICS_PORT", &config.Metrics.Port)

	// Tracing
	setString("PROXIMITY_SERVICE_NAME", &config.Observability.ServiceName)
	setBool("PROXIMITY_TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	setString("PROXIMITY_TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	setString("PROXIMITY_OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
}

func setString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func setDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Backend.AuthToken = "your-backend-token-here"
	config.Engine.SubmitsPerMinute = 30
	config.Engine.SubmitBurst = 3
	config.Cache.Persistent.Redis.Addr = "localhost:6379"
	config.Cache.Persistent.Redis.KeyPrefix = "proximity:"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	header := "# Proximity engine configuration. Every key may be overridden by a\n" +
		"# PROXIMITY_* environment variable or a .env file.\n"
	if err := os.WriteFile(filePath, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
