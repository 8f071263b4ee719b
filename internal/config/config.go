package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the chaintable service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Backends    []BackendConfig   `mapstructure:"backends"`
	ConfigStore ConfigStoreConfig `mapstructure:"config_store"`
	Engine      EngineConfig      `mapstructure:"engine"`
	WorkerPool  WorkerPoolConfig  `mapstructure:"worker_pool"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP and gRPC listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	NodeID          string        `mapstructure:"node_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BackendConfig describes one replica endpoint
type BackendConfig struct {
	Endpoint string         `mapstructure:"endpoint"`
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig represents a PostgreSQL replica connection
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// ConfigStoreConfig represents the quorum-replicated configuration store
type ConfigStoreConfig struct {
	Key                string           `mapstructure:"key"`
	Locations          []LocationConfig `mapstructure:"locations"`
	LeaseDuration      time.Duration    `mapstructure:"lease_duration"`
	ClockSkew          time.Duration    `mapstructure:"clock_skew"`
	RefreshMargin      time.Duration    `mapstructure:"refresh_margin"`
	MinRefreshInterval time.Duration    `mapstructure:"min_refresh_interval"`
	SeedFile           string           `mapstructure:"seed_file"`
}

// LocationConfig describes one configuration location
type LocationConfig struct {
	Name  string      `mapstructure:"name"`
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig represents a Redis configuration location
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// EngineConfig represents transaction engine and repair tuning
type EngineConfig struct {
	LockTimeout            time.Duration `mapstructure:"lock_timeout"`
	LockWatermark          time.Duration `mapstructure:"lock_watermark"`
	ClockSkew              time.Duration `mapstructure:"clock_skew"`
	PhysicalRetries        int           `mapstructure:"physical_retries"`
	InsertOrReplaceRetries int           `mapstructure:"insert_or_replace_retries"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay          time.Duration `mapstructure:"retry_max_delay"`
	RepairConcurrency      int           `mapstructure:"repair_concurrency"`
	RepairRowsPerSecond    float64       `mapstructure:"repair_rows_per_second"`
	ConvertBatchSize       int           `mapstructure:"convert_batch_size"`
	BisectDepth            int           `mapstructure:"bisect_depth"`
}

// WorkerPoolConfig sizes the pool running reconfiguration jobs
type WorkerPoolConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// RateLimiterConfig represents HTTP rate limiting
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return errors.New("server.http_port must be between 1 and 65535")
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return errors.New("server.grpc_port must be between 0 and 65535")
	}

	if len(c.Backends) == 0 {
		return errors.New("at least one backend is required")
	}
	endpoints := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Endpoint == "" {
			return fmt.Errorf("backends[%d].endpoint is required", i)
		}
		if endpoints[b.Endpoint] {
			return fmt.Errorf("backend %q is listed twice", b.Endpoint)
		}
		endpoints[b.Endpoint] = true
		switch b.Type {
		case "memory":
		case "postgres":
			if b.Postgres.Host == "" || b.Postgres.Database == "" {
				return fmt.Errorf("backend %q: postgres.host and postgres.database are required", b.Endpoint)
			}
		default:
			return fmt.Errorf("backend %q: type must be one of: memory, postgres", b.Endpoint)
		}
	}

	n := len(c.ConfigStore.Locations)
	if n == 0 || n%2 == 0 {
		return fmt.Errorf("config_store.locations must be an odd number, got %d", n)
	}
	for i, l := range c.ConfigStore.Locations {
		if l.Name == "" {
			return fmt.Errorf("config_store.locations[%d].name is required", i)
		}
		switch l.Type {
		case "memory":
		case "redis":
			if l.Redis.Host == "" {
				return fmt.Errorf("location %q: redis.host is required", l.Name)
			}
		default:
			return fmt.Errorf("location %q: type must be one of: memory, redis", l.Name)
		}
	}
	if c.ConfigStore.Key == "" {
		c.ConfigStore.Key = "chaintable/configuration"
	}
	if c.ConfigStore.LeaseDuration <= 0 {
		return errors.New("config_store.lease_duration must be positive")
	}

	if c.Engine.LockTimeout <= c.Engine.LockWatermark+c.Engine.ClockSkew {
		return errors.New("engine.lock_timeout must exceed lock_watermark + clock_skew")
	}
	if c.Engine.RepairConcurrency <= 0 {
		c.Engine.RepairConcurrency = 1
	}
	if c.Engine.ConvertBatchSize <= 0 || c.Engine.ConvertBatchSize > 100 {
		return errors.New("engine.convert_batch_size must be between 1 and 100")
	}
	if c.WorkerPool.Workers <= 0 {
		return errors.New("worker_pool.workers must be positive")
	}
	if c.RateLimiter.Enabled && c.RateLimiter.RequestsPerSecond <= 0 {
		return errors.New("rate_limiter.requests_per_second must be positive when enabled")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values: three in-memory
// replicas and three in-memory configuration locations.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			HTTPPort:        8080,
			GRPCPort:        9091,
			NodeID:          "chaintable-1",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Backends: []BackendConfig{
			{Endpoint: "replica-a", Type: "memory"},
			{Endpoint: "replica-b", Type: "memory"},
			{Endpoint: "replica-c", Type: "memory"},
		},
		ConfigStore: ConfigStoreConfig{
			Key: "chaintable/configuration",
			Locations: []LocationConfig{
				{Name: "location-1", Type: "memory"},
				{Name: "location-2", Type: "memory"},
				{Name: "location-3", Type: "memory"},
			},
			LeaseDuration:      60 * time.Second,
			ClockSkew:          5 * time.Second,
			RefreshMargin:      5 * time.Second,
			MinRefreshInterval: 5 * time.Second,
		},
		Engine: EngineConfig{
			LockTimeout:            60 * time.Second,
			LockWatermark:          10 * time.Second,
			ClockSkew:              5 * time.Second,
			PhysicalRetries:        3,
			InsertOrReplaceRetries: 10,
			RetryBaseDelay:         20 * time.Millisecond,
			RetryMaxDelay:          2 * time.Second,
			RepairConcurrency:      8,
			RepairRowsPerSecond:    500,
			ConvertBatchSize:       100,
			BisectDepth:            4,
		},
		WorkerPool: WorkerPoolConfig{
			Workers:   2,
			QueueSize: 16,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           false,
			RequestsPerSecond: 1000,
			Burst:             2000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
