// Package config provides configuration loading and management for the
// subscriber sync server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "SUBSYNC"

const (
	defaultPageSize             = 100
	defaultMaxPageRetries       = 3
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 10 * time.Second
	defaultUpstreamTimeout      = 30 * time.Second
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Server holds the HTTP server settings
	Server ServerConfig `yaml:"server,omitempty"`

	// Upstream holds the external subscriber-management system settings
	Upstream UpstreamConfig `yaml:"upstream"`

	// Sync holds the synchronization engine tuning knobs
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Integrations lists the known integration instances
	Integrations []IntegrationConfig `yaml:"integrations"`

	// Database is optional; without it records are kept in memory
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// Telemetry holds the OpenTelemetry settings
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ServerConfig defines the HTTP listener settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// UpstreamConfig defines how to reach the external system
type UpstreamConfig struct {
	// Endpoint is the base API URL (without path)
	Endpoint string `yaml:"endpoint"`

	// APIKeyFile is the path to a file containing the API key.
	// This is the recommended approach for production deployments.
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// Timeout is the per-request HTTP timeout (e.g. "30s")
	Timeout string `yaml:"timeout,omitempty"`
}

// GetAPIKey returns the upstream API key using the following priority:
// 1. Read from APIKeyFile if specified
// 2. Read from SUBSYNC_UPSTREAM_API_KEY environment variable
func (u *UpstreamConfig) GetAPIKey() (string, error) {
	if u.APIKeyFile != "" {
		cleanPath := filepath.Clean(u.APIKeyFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read API key from file %s: %w", u.APIKeyFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envKey := os.Getenv(EnvPrefix + "_UPSTREAM_API_KEY"); envKey != "" {
		return envKey, nil
	}

	return "", fmt.Errorf(
		"no upstream API key configured: set apiKeyFile or %s_UPSTREAM_API_KEY environment variable", EnvPrefix,
	)
}

// GetTimeout returns the upstream request timeout, using the default if
// not specified or invalid.
func (u *UpstreamConfig) GetTimeout() time.Duration {
	if u.Timeout == "" {
		return defaultUpstreamTimeout
	}
	d, err := time.ParseDuration(u.Timeout)
	if err != nil || d <= 0 {
		return defaultUpstreamTimeout
	}
	return d
}

// SyncConfig defines synchronization engine tuning
type SyncConfig struct {
	// PageSize is the number of records requested per page
	PageSize int `yaml:"pageSize,omitempty"`

	// MaxPageRetries is the number of retries after a failed page fetch.
	// The total attempt budget per page is MaxPageRetries + 1.
	MaxPageRetries int `yaml:"maxPageRetries,omitempty"`

	// RetryInitialInterval is the first backoff delay (e.g. "500ms")
	RetryInitialInterval string `yaml:"retryInitialInterval,omitempty"`

	// RetryMaxInterval caps the backoff delay (e.g. "10s")
	RetryMaxInterval string `yaml:"retryMaxInterval,omitempty"`
}

// GetPageSize returns the page size, using the default if unset
func (s *SyncConfig) GetPageSize() int {
	if s.PageSize <= 0 {
		return defaultPageSize
	}
	return s.PageSize
}

// GetMaxPageRetries returns the retry budget, using the default if unset
func (s *SyncConfig) GetMaxPageRetries() int {
	if s.MaxPageRetries <= 0 {
		return defaultMaxPageRetries
	}
	return s.MaxPageRetries
}

// GetRetryInitialInterval returns the first backoff delay
func (s *SyncConfig) GetRetryInitialInterval() time.Duration {
	return parseDurationOr(s.RetryInitialInterval, defaultRetryInitialInterval)
}

// GetRetryMaxInterval returns the backoff delay cap
func (s *SyncConfig) GetRetryMaxInterval() time.Duration {
	return parseDurationOr(s.RetryMaxInterval, defaultRetryMaxInterval)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IntegrationConfig defines one external integration instance
type IntegrationConfig struct {
	// ID is the identifier used in API paths and upstream requests
	ID string `yaml:"id"`

	// Name is a human-readable label
	Name string `yaml:"name,omitempty"`

	// Endpoint optionally overrides the global upstream endpoint
	Endpoint string `yaml:"endpoint,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing
	// whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from SUBSYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special
// characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// TelemetryConfig defines OpenTelemetry settings
type TelemetryConfig struct {
	// Enabled controls whether metrics are exported
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint, "host:port" for HTTP
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections instead of HTTPS.
	// Should only be true for development/testing environments.
	Insecure bool `yaml:"insecure,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetAddress returns the listen address, defaulting to ":8080"
func (c *Config) GetAddress() string {
	if c.Server.Address == "" {
		return ":8080"
	}
	return c.Server.Address
}

// Integration returns the integration with the given id, or nil.
func (c *Config) Integration(id string) *IntegrationConfig {
	for i := range c.Integrations {
		if c.Integrations[i].ID == id {
			return &c.Integrations[i]
		}
	}
	return nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream endpoint is required")
	}
	if _, err := url.ParseRequestURI(c.Upstream.Endpoint); err != nil {
		return fmt.Errorf("upstream endpoint is not a valid URL: %w", err)
	}

	if len(c.Integrations) == 0 {
		return fmt.Errorf("at least one integration must be configured")
	}

	integrationIDs := make(map[string]bool)
	for i, integ := range c.Integrations {
		if integ.ID == "" {
			return fmt.Errorf("integration[%d]: id is required", i)
		}
		if integrationIDs[integ.ID] {
			return fmt.Errorf("integration[%d]: duplicate integration id '%s'", i, integ.ID)
		}
		integrationIDs[integ.ID] = true

		if integ.Endpoint != "" {
			if _, err := url.ParseRequestURI(integ.Endpoint); err != nil {
				return fmt.Errorf("integration[%d] (%s): endpoint is not a valid URL: %w", i, integ.ID, err)
			}
		}
	}

	if c.Database != nil {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port == 0 {
			return fmt.Errorf("database port is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return nil
}
