// Package config loads and validates client configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CacheConfig configures the cache manager.
type CacheConfig struct {
	Backend         string        `yaml:"backend" validate:"omitempty,oneof=memory redis"`
	MaxSize         int           `yaml:"max_size" validate:"omitempty,min=1"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Strategy        string        `yaml:"strategy" validate:"omitempty,oneof=ttl lru lfu"`

	RedisURL        string `yaml:"redis_url" validate:"required_if=Backend redis,omitempty,url"`
	RedisNamespace  string `yaml:"redis_namespace"`
	RedisPoolSize   int    `yaml:"redis_pool_size" validate:"omitempty,min=1"`
	FallbackEnabled bool   `yaml:"fallback_enabled"`
}

// BatchConfig bounds the batch executor.
type BatchConfig struct {
	MaxChunkSize   int `yaml:"max_chunk_size" validate:"omitempty,min=1"`
	MaxConcurrency int `yaml:"max_concurrency" validate:"omitempty,min=1"`
}

// Config is the full client configuration.
type Config struct {
	URL            string        `yaml:"url" validate:"required,url"`
	Database       string        `yaml:"database" validate:"required"`
	Username       string        `yaml:"username"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConnections int           `yaml:"max_connections" validate:"omitempty,min=1"`
	ReadRetries    int           `yaml:"read_retries" validate:"omitempty,min=0,max=10"`
	LogLevel       string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Cache CacheConfig `yaml:"cache"`
	Batch BatchConfig `yaml:"batch"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Timeout:        30 * time.Second,
		MaxConnections: 10,
		ReadRetries:    2,
		LogLevel:       "info",
		Cache: CacheConfig{
			Backend: "memory",
			MaxSize: 1000,
			TTL:     5 * time.Minute,
		},
		Batch: BatchConfig{
			MaxChunkSize:   100,
			MaxConcurrency: 5,
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from ODOOFLOW_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("ODOOFLOW_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv("ODOOFLOW_DATABASE"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("ODOOFLOW_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("ODOOFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ODOOFLOW_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("ODOOFLOW_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("ODOOFLOW_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConnections = n
		}
	}
	if v := os.Getenv("ODOOFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Timeout = d
		}
	}
}

// Validate checks the struct tags and cross-field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				return fmt.Errorf("invalid configuration: field %s failed %s validation", e.Field(), e.Tag())
			}
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("invalid configuration: redis backend requires redis_url")
	}
	return nil
}
