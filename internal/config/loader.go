package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/devrev/chaintable/internal/model"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Config file is optional; defaults and environment variables still apply
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		// Lists in the file replace the defaults instead of merging by index
		if v.IsSet("backends") {
			cfg.Backends = nil
		}
		if v.IsSet("config_store.locations") {
			cfg.ConfigStore.Locations = nil
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("CHAINTABLE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.HTTPPort = p
		}
	}
	if port := os.Getenv("SERVER_GRPC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.GRPCPort = p
		}
	}

	if lease := os.Getenv("CHAINTABLE_LEASE_DURATION"); lease != "" {
		if d, err := time.ParseDuration(lease); err == nil {
			cfg.ConfigStore.LeaseDuration = d
		}
	}
	if seed := os.Getenv("CHAINTABLE_SEED_FILE"); seed != "" {
		cfg.ConfigStore.SeedFile = seed
	}

	// Postgres and Redis passwords apply to every backend or location of that type
	if password := os.Getenv("DATABASE_PASSWORD"); password != "" {
		for i := range cfg.Backends {
			if cfg.Backends[i].Type == "postgres" {
				cfg.Backends[i].Postgres.Password = password
			}
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		for i := range cfg.ConfigStore.Locations {
			if cfg.ConfigStore.Locations[i].Type == "redis" {
				cfg.ConfigStore.Locations[i].Redis.Password = password
			}
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// LoadSeed parses the initial views and table routes published when the
// configuration store is empty.
func LoadSeed(path string) (*model.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed model.Configuration
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}
