// Package config loads engine configuration from the environment, with an
// optional YAML overlay file for deployments that prefer checked-in config.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Capture   CaptureConfig   `yaml:"capture"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"RADAR_PORT" default:"8010" yaml:"port"`
	Host string `envconfig:"RADAR_HOST" default:"0.0.0.0" yaml:"host"`
}

// TracingConfig controls span collection.
type TracingConfig struct {
	Enabled     bool   `envconfig:"RADAR_TRACING_ENABLED" default:"true" yaml:"enabled"`
	ServiceName string `envconfig:"RADAR_SERVICE_NAME" default:"radar-app" yaml:"service_name"`
}

// CaptureConfig controls request/query capture behavior.
type CaptureConfig struct {
	MaxBodyBytes       int    `envconfig:"RADAR_MAX_BODY_BYTES" default:"10000" yaml:"max_body_bytes"`
	CaptureBindings    bool   `envconfig:"RADAR_CAPTURE_BINDINGS" default:"true" yaml:"capture_bindings"`
	SlowQueryMillis    int    `envconfig:"RADAR_SLOW_QUERY_MS" default:"100" yaml:"slow_query_ms"`
	DashboardPathScope string `envconfig:"RADAR_DASHBOARD_PATH" default:"/radar" yaml:"dashboard_path"`
}

// TasksConfig bounds the background task registry.
type TasksConfig struct {
	MaxTasks int `envconfig:"RADAR_MAX_TASKS" default:"10000" yaml:"max_tasks"`
}

// DatabaseConfig holds the optional postgres sink configuration. An empty
// DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN string `envconfig:"RADAR_DATABASE_DSN" default:"" yaml:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"RADAR_LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"RADAR_LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig guards the dashboard API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RADAR_RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RADAR_RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RADAR_RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads environment configuration and overlays values from a YAML
// file. File values win over environment defaults; explicit environment
// variables still take effect because envconfig runs first and the overlay
// only replaces fields present in the file.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8010",
			Host: "0.0.0.0",
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "radar-app",
		},
		Capture: CaptureConfig{
			MaxBodyBytes:       10000,
			CaptureBindings:    true,
			SlowQueryMillis:    100,
			DashboardPathScope: "/radar",
		},
		Tasks: TasksConfig{
			MaxTasks: 10000,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
