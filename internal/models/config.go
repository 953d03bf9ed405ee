// Package models - engine configuration.
//
// Configuration is grouped by component (server, backend, engine, cache,
// logging, metrics, observability). NewDefaultConfig returns values that work
// against a local backend without any file; Validate catches misconfiguration
// before any component is built.
package models

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Persistent tier backends.
const (
	PersistentTypeNone     = "none"
	PersistentTypeMemory   = "memory"
	PersistentTypeJSON     = "json"
	PersistentTypeSQLite   = "sqlite"
	PersistentTypePostgres = "postgres"
	PersistentTypeRedis    = "redis"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Backend       BackendConfig       `yaml:"backend" json:"backend"`
	Engine        EngineConfig        `yaml:"engine" json:"engine"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig configures the HTTP facade the rendering layer talks to.
type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

// BackendConfig describes the proximity backend. Route templates may use the
// {kind} and {id} placeholders.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	AuthToken      string        `yaml:"auth_token" json:"-"`
	DefaultLimit   int           `yaml:"default_limit" json:"default_limit"`
	AggregateLimit int           `yaml:"aggregate_limit" json:"aggregate_limit"`
	Routes         RoutesConfig  `yaml:"routes" json:"routes"`
}

type RoutesConfig struct {
	Status    string `yaml:"status" json:"status"`
	Token     string `yaml:"token" json:"token"`
	Submit    string `yaml:"submit" json:"submit"`
	Aggregate string `yaml:"aggregate" json:"aggregate"`
}

// EngineConfig tunes the job client, polling and batch fan-out.
type EngineConfig struct {
	Concurrency       int           `yaml:"concurrency" json:"concurrency"`
	PollAttempts      int           `yaml:"poll_attempts" json:"poll_attempts"`
	PollDelay         time.Duration `yaml:"poll_delay" json:"poll_delay"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after" json:"default_retry_after"`
	SubmitsPerMinute  int           `yaml:"submits_per_minute" json:"submits_per_minute"`
	SubmitBurst       int           `yaml:"submit_burst" json:"submit_burst"`
	WalkingSpeedKmh   float64       `yaml:"walking_speed_kmh" json:"walking_speed_kmh"`
}

type CacheConfig struct {
	Memory     MemoryCacheConfig `yaml:"memory" json:"memory"`
	Persistent PersistentConfig  `yaml:"persistent" json:"persistent"`
}

// MemoryCacheConfig: entries become stale after TTL and are evicted once they
// have been stale for StaleRetention.
type MemoryCacheConfig struct {
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries      int           `yaml:"max_entries" json:"max_entries"`
	StaleRetention  time.Duration `yaml:"stale_retention" json:"stale_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type PersistentConfig struct {
	Type             string        `yaml:"type" json:"type"`
	Path             string        `yaml:"path" json:"path"`
	DSN              string        `yaml:"dsn" json:"-"`
	Redis            RedisConfig   `yaml:"redis" json:"redis"`
	TTL              time.Duration `yaml:"ttl" json:"ttl"`
	MaxPayloadBytes  int           `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	SchemaVersion    string        `yaml:"schema_version" json:"schema_version"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"`
	Output    string `yaml:"output" json:"output"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	AddSource bool   `yaml:"add_source" json:"add_source"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig returns a configuration usable out of the box:
// memory tier 5m, persistent JSON tier 15m capped at 4 MiB, four concurrent
// anchors, four settle polls two seconds apart.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
				MaxAge:         86400,
			},
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000/api",
			Timeout:        15 * time.Second,
			DefaultLimit:   25,
			AggregateLimit: 200,
			Routes: RoutesConfig{
				Status:    "/nearby/{kind}/{id}",
				Token:     "/nearby/{kind}/{id}/token",
				Submit:    "/nearby/{kind}/{id}/process",
				Aggregate: "/stations",
			},
		},
		Engine: EngineConfig{
			Concurrency:       4,
			PollAttempts:      4,
			PollDelay:         2 * time.Second,
			DefaultRetryAfter: 2 * time.Second,
			SubmitsPerMinute:  0,
			SubmitBurst:       1,
			WalkingSpeedKmh:   5.0,
		},
		Cache: CacheConfig{
			Memory: MemoryCacheConfig{
				TTL:             5 * time.Minute,
				MaxEntries:      2000,
				StaleRetention:  30 * time.Minute,
				CleanupInterval: time.Minute,
			},
			Persistent: PersistentConfig{
				Type:             PersistentTypeJSON,
				Path:             "./data/proximity-cache.json",
				TTL:              15 * time.Minute,
				MaxPayloadBytes:  4 << 20,
				SchemaVersion:    "1.0.0",
				OperationTimeout: 2 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "proximity",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("invalid backend config: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("invalid cache config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}
	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}
	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	return nil
}

func (bc *BackendConfig) Validate() error {
	if bc.BaseURL == "" {
		return errors.New("base url cannot be empty")
	}
	u, err := url.Parse(bc.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base url must be absolute: %q", bc.BaseURL)
	}
	if bc.Timeout < 0 {
		return errors.New("timeout cannot be negative")
	}
	if bc.DefaultLimit < 0 || bc.AggregateLimit < 0 {
		return errors.New("limits cannot be negative")
	}
	if bc.Routes.Status == "" || bc.Routes.Token == "" || bc.Routes.Submit == "" || bc.Routes.Aggregate == "" {
		return errors.New("all backend routes must be set")
	}
	return nil
}

func (ec *EngineConfig) Validate() error {
	if ec.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if ec.PollAttempts < 1 {
		return errors.New("poll attempts must be at least 1")
	}
	if ec.PollDelay < 0 || ec.DefaultRetryAfter < 0 {
		return errors.New("delays cannot be negative")
	}
	if ec.SubmitsPerMinute < 0 || ec.SubmitBurst < 0 {
		return errors.New("submission pacing cannot be negative")
	}
	if ec.WalkingSpeedKmh <= 0 {
		return errors.New("walking speed must be positive")
	}
	return nil
}

func (cc *CacheConfig) Validate() error {
	if cc.Memory.TTL <= 0 {
		return errors.New("memory ttl must be positive")
	}
	if cc.Memory.MaxEntries < 0 || cc.Memory.StaleRetention < 0 || cc.Memory.CleanupInterval < 0 {
		return errors.New("memory cache settings cannot be negative")
	}
	return cc.Persistent.Validate()
}

func (pc *PersistentConfig) Validate() error {
	switch pc.Type {
	case PersistentTypeNone, PersistentTypeMemory:
	case PersistentTypeJSON:
		if pc.Path == "" {
			return errors.New("path is required for json persistent cache")
		}
	case PersistentTypeSQLite, PersistentTypePostgres:
		if pc.DSN == "" {
			return fmt.Errorf("dsn is required for %s persistent cache", pc.Type)
		}
	case PersistentTypeRedis:
		if pc.Redis.Addr == "" {
			return errors.New("redis address is required for redis persistent cache")
		}
	default:
		return fmt.Errorf("invalid persistent cache type: %s", pc.Type)
	}
	if pc.Type == PersistentTypeNone {
		return nil
	}
	if pc.TTL <= 0 {
		return errors.New("persistent ttl must be positive")
	}
	if pc.MaxPayloadBytes <= 0 {
		return errors.New("max payload bytes must be positive")
	}
	if _, err := semver.NewVersion(pc.SchemaVersion); err != nil {
		return fmt.Errorf("schema version must be semver: %w", err)
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}
	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}
	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}
	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}
	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}
	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}
	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}
	if !oneOf(oc.Tracing.Exporter, "stdout", "otlp") {
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("otlp endpoint is required for the otlp exporter")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
