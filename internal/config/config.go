// Package config provides configuration management for IAMSentry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/iamsentry/internal/api/gateway"
	"github.com/lvonguyen/iamsentry/internal/hygiene"
	"github.com/lvonguyen/iamsentry/internal/observability"
	"github.com/lvonguyen/iamsentry/internal/remediate"
)

// Config holds all IAMSentry configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	AWS         AWSConfig            `yaml:"aws"`
	Remediation remediate.Config     `yaml:"remediation"`
	Hygiene     HygieneConfig        `yaml:"hygiene"`
	Audit       AuditConfig          `yaml:"audit"`
	Rules       RulesConfig          `yaml:"rules"`
	Telemetry   observability.Config `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int                     `yaml:"port"`
	ReadTimeout     time.Duration           `yaml:"read_timeout"`
	WriteTimeout    time.Duration           `yaml:"write_timeout"`
	RequestTimeout  time.Duration           `yaml:"request_timeout"`
	ShutdownTimeout time.Duration           `yaml:"shutdown_timeout"`
	RateLimit       gateway.RateLimitConfig `yaml:"rate_limit"`
}

// AWSConfig holds settings for the governed account's control planes.
type AWSConfig struct {
	Region string `yaml:"region"`
}

// HygieneConfig wraps the scanner settings with scheduling. Interval is how
// often the internal ticker triggers a scan; zero disables the ticker and
// leaves scans to the HTTP trigger.
type HygieneConfig struct {
	hygiene.Config `yaml:",inline"`
	Interval       time.Duration `yaml:"interval"`
}

// AuditConfig holds outcome sink settings. The structured-log sink is always
// on; the Redis stream sink is optional.
type AuditConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis stream sink settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Stream      string `yaml:"stream"`
}

// RulesConfig points at an optional YAML rule set overriding the built-in
// remediation action table.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       gateway.DefaultRateLimitConfig(),
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Remediation: remediate.DefaultConfig(),
		Hygiene: HygieneConfig{
			Config:   hygiene.DefaultConfig(),
			Interval: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Redis: RedisConfig{
				Enabled:     false,
				Addr:        "localhost:6379",
				PasswordEnv: "IAMSENTRY_REDIS_PASSWORD",
				DB:          0,
				Stream:      "iamsentry:outcomes",
			},
		},
		Rules: RulesConfig{
			Path: "configs/rules.yaml",
		},
		Telemetry: observability.Config{
			ServiceName:    "iamsentry",
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}
