package coordinator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coordinator configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// ServerConfig contains server-related settings
type ServerConfig struct {
	API APIConfig `yaml:"api"`
	ZMQ ZMQConfig `yaml:"zmq"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Address string `yaml:"address"`
	Timeout string `yaml:"timeout"`
}

// ZMQConfig contains the agent-facing ZeroMQ settings
type ZMQConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path    string `yaml:"path"`
	Timeout string `yaml:"timeout"`
}

// DispatchConfig contains dispatch pipeline settings
type DispatchConfig struct {
	TargetRequestsPerMinute int    `yaml:"target_requests_per_minute"`
	TenantRequestsPerMinute int    `yaml:"tenant_requests_per_minute"`
	IdempotencyTTL          string `yaml:"idempotency_ttl"`
}

// MonitoringConfig contains health monitoring settings
type MonitoringConfig struct {
	StaleThreshold string `yaml:"stale_threshold"`
	CheckInterval  string `yaml:"check_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SecurityConfig contains security-related settings
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	SecretKey   string `yaml:"secret_key"`
	Issuer      string `yaml:"issuer"`
	ExpiryHours int    `yaml:"expiry_hours"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration
func NewDefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

// setDefaults ensures all required fields have default values
func (c *Config) setDefaults() {
	if c.Server.API.Address == "" {
		c.Server.API.Address = ":8080"
	}
	if c.Server.API.Timeout == "" {
		c.Server.API.Timeout = "150s"
	}
	if c.Server.ZMQ.Address == "" {
		c.Server.ZMQ.Address = "tcp://*:5555"
	}

	if c.Database.Path == "" {
		c.Database.Path = "expo.db"
	}
	if c.Database.Timeout == "" {
		c.Database.Timeout = "5s"
	}

	if c.Dispatch.TargetRequestsPerMinute == 0 {
		c.Dispatch.TargetRequestsPerMinute = 5
	}
	if c.Dispatch.TenantRequestsPerMinute == 0 {
		c.Dispatch.TenantRequestsPerMinute = 10
	}
	if c.Dispatch.IdempotencyTTL == "" {
		c.Dispatch.IdempotencyTTL = "5m"
	}

	if c.Monitoring.StaleThreshold == "" {
		c.Monitoring.StaleThreshold = "60s"
	}
	if c.Monitoring.CheckInterval == "" {
		c.Monitoring.CheckInterval = "15s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Security.JWT.SecretKey == "" {
		c.Security.JWT.SecretKey = "your-super-secret-jwt-key-change-this-in-production"
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "expo-coordinator"
	}
	if c.Security.JWT.ExpiryHours == 0 {
		c.Security.JWT.ExpiryHours = 24
	}
}

// validate checks if the configuration values are valid
func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.Server.API.Timeout); err != nil {
		return fmt.Errorf("invalid API timeout format: %w", err)
	}
	if _, err := time.ParseDuration(c.Database.Timeout); err != nil {
		return fmt.Errorf("invalid database timeout format: %w", err)
	}
	if _, err := time.ParseDuration(c.Dispatch.IdempotencyTTL); err != nil {
		return fmt.Errorf("invalid idempotency TTL format: %w", err)
	}
	if _, err := time.ParseDuration(c.Monitoring.StaleThreshold); err != nil {
		return fmt.Errorf("invalid stale threshold format: %w", err)
	}
	if _, err := time.ParseDuration(c.Monitoring.CheckInterval); err != nil {
		return fmt.Errorf("invalid check interval format: %w", err)
	}

	if c.Dispatch.TargetRequestsPerMinute <= 0 {
		return fmt.Errorf("target_requests_per_minute must be greater than 0")
	}
	if c.Dispatch.TenantRequestsPerMinute <= 0 {
		return fmt.Errorf("tenant_requests_per_minute must be greater than 0")
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	if len(c.Security.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT secret_key must be at least 32 characters long for security")
	}
	if c.Security.JWT.Issuer == "" {
		return fmt.Errorf("JWT issuer cannot be empty")
	}
	if c.Security.JWT.ExpiryHours <= 0 {
		return fmt.Errorf("JWT expiry_hours must be greater than 0")
	}

	return nil
}

// GetAPITimeout returns the API timeout as a time.Duration
func (c *Config) GetAPITimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.API.Timeout)
	return duration
}

// GetIdempotencyTTL returns the idempotency TTL as a time.Duration
func (c *Config) GetIdempotencyTTL() time.Duration {
	duration, _ := time.ParseDuration(c.Dispatch.IdempotencyTTL)
	return duration
}

// GetStaleThreshold returns the stale threshold as a time.Duration
func (c *Config) GetStaleThreshold() time.Duration {
	duration, _ := time.ParseDuration(c.Monitoring.StaleThreshold)
	return duration
}

// GetCheckInterval returns the check interval as a time.Duration
func (c *Config) GetCheckInterval() time.Duration {
	duration, _ := time.ParseDuration(c.Monitoring.CheckInterval)
	return duration
}
