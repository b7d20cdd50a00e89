// Package config loads and validates easel.yml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EaselConfig represents the top-level easel.yml configuration.
type EaselConfig struct {
	Version     string             `yaml:"version"`
	Server      *ServerConfig      `yaml:"server,omitempty"`
	Redis       *RedisConfig       `yaml:"redis,omitempty"`
	Generation  *GenerationConfig  `yaml:"generation,omitempty"`
	Idempotency *IdempotencyConfig `yaml:"idempotency,omitempty"`
}

// ServerConfig specifies the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"` // default ":8080"
}

// RedisConfig specifies the Redis connection.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"` // default "redis://localhost:6379"
}

// GenerationConfig specifies the image generation backend.
type GenerationConfig struct {
	Provider  string `yaml:"provider,omitempty"`    // "openai" (default) or "scripted"
	Model     string `yaml:"model,omitempty"`       // default "dall-e-3"
	APIKeyEnv string `yaml:"api_key_env,omitempty"` // env var holding the API key, default "OPENAI_API_KEY"
	TimeoutS  int    `yaml:"timeout_seconds,omitempty"`
}

// IdempotencyConfig tunes the idempotency guard windows.
type IdempotencyConfig struct {
	ResultTTLS    int `yaml:"result_ttl_seconds,omitempty"`    // default 600
	PendingLeaseS int `yaml:"pending_lease_seconds,omitempty"` // default 60
	BucketS       int `yaml:"bucket_seconds,omitempty"`        // default 300
	SweepS        int `yaml:"sweep_interval_seconds,omitempty"`
}

// Validate performs strict validation on the configuration and applies
// defaults in place.
func (c *EaselConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}

	if c.Generation == nil {
		c.Generation = &GenerationConfig{}
	}
	switch c.Generation.Provider {
	case "":
		c.Generation.Provider = "openai"
	case "openai", "scripted":
	default:
		return fmt.Errorf("unknown generation provider: %s (valid: openai, scripted)", c.Generation.Provider)
	}
	if c.Generation.Model == "" {
		c.Generation.Model = "dall-e-3"
	}
	if c.Generation.APIKeyEnv == "" {
		c.Generation.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Generation.TimeoutS < 0 {
		return fmt.Errorf("generation timeout_seconds cannot be negative")
	}
	if c.Generation.TimeoutS == 0 {
		c.Generation.TimeoutS = 600
	}

	if c.Idempotency == nil {
		c.Idempotency = &IdempotencyConfig{}
	}
	if c.Idempotency.ResultTTLS < 0 || c.Idempotency.PendingLeaseS < 0 ||
		c.Idempotency.BucketS < 0 || c.Idempotency.SweepS < 0 {
		return fmt.Errorf("idempotency durations cannot be negative")
	}
	if c.Idempotency.ResultTTLS == 0 {
		c.Idempotency.ResultTTLS = 600
	}
	if c.Idempotency.PendingLeaseS == 0 {
		c.Idempotency.PendingLeaseS = 60
	}
	if c.Idempotency.BucketS == 0 {
		c.Idempotency.BucketS = 300
	}
	if c.Idempotency.SweepS == 0 {
		c.Idempotency.SweepS = 60
	}
	if time.Duration(c.Idempotency.PendingLeaseS)*time.Second > time.Duration(c.Idempotency.ResultTTLS)*time.Second {
		return fmt.Errorf("pending_lease_seconds (%d) cannot exceed result_ttl_seconds (%d)",
			c.Idempotency.PendingLeaseS, c.Idempotency.ResultTTLS)
	}

	return nil
}

// GenerationTimeout returns the configured generation timeout.
func (c *EaselConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.Generation.TimeoutS) * time.Second
}

// ResultTTL returns the idempotency result TTL.
func (c *EaselConfig) ResultTTL() time.Duration {
	return time.Duration(c.Idempotency.ResultTTLS) * time.Second
}

// PendingLease returns the idempotency pending lease.
func (c *EaselConfig) PendingLease() time.Duration {
	return time.Duration(c.Idempotency.PendingLeaseS) * time.Second
}

// Bucket returns the idempotency key time bucket.
func (c *EaselConfig) Bucket() time.Duration {
	return time.Duration(c.Idempotency.BucketS) * time.Second
}

// SweepInterval returns the guard cache sweep interval.
func (c *EaselConfig) SweepInterval() time.Duration {
	return time.Duration(c.Idempotency.SweepS) * time.Second
}

// Load reads and validates easel.yml from the specified path.
func Load(path string) (*EaselConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config EaselConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration used when no easel.yml exists.
func Default() *EaselConfig {
	config := &EaselConfig{Version: "1.0"}
	// Validate only applies defaults for a well-formed version.
	_ = config.Validate()
	return config
}
