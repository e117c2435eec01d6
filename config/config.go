package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // progression.timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"

	"xp360/adapters/redis"
	"xp360/adapters/sqlx"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" yaml:"environment" env:"ENV"`
	Profile     string      `json:"profile" yaml:"profile" env:"PROFILE"`

	Server        ServerConfig        `json:"server" yaml:"server"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Security      SecurityConfig      `json:"security" yaml:"security"`
	Progression   ProgressionConfig   `json:"progression" yaml:"progression"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	Analytics     AnalyticsConfig     `json:"analytics" yaml:"analytics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" yaml:"address" env:"SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" yaml:"path_prefix" env:"SERVER_PATH_PREFIX"`
	CORSOrigins       []string      `json:"cors_origins" yaml:"cors_origins" env:"SERVER_CORS_ORIGINS"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter string       `json:"adapter" yaml:"adapter" env:"STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty" yaml:"redis"`
	SQL     sqlx.Config  `json:"sql,omitempty" yaml:"sql"`
	File    FileConfig   `json:"file,omitempty" yaml:"file"`
	// Migrate applies the embedded schema on startup (sql adapter only).
	Migrate bool `json:"migrate" yaml:"migrate" env:"STORAGE_MIGRATE"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" yaml:"path" env:"STORAGE_FILE_PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string            `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string            `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes" env:"LOG_ATTRIBUTES" envKeyValSeparator:"="`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" yaml:"enable_rate_limit" env:"SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit"`
	APIKeys         []string        `json:"api_keys,omitempty" yaml:"api_keys" env:"SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute" env:"SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size" env:"SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" env:"SECURITY_RATE_LIMIT_CLEANUP"`
}

// ProgressionConfig controls the level curve, the streak calendar and the
// badge catalog.
type ProgressionConfig struct {
	// Curve is "linear" or "sqrt".
	Curve  string `json:"curve" yaml:"curve" env:"PROGRESSION_CURVE"`
	XPStep int64  `json:"xp_step" yaml:"xp_step" env:"PROGRESSION_XP_STEP"`
	// Timezone is an IANA name used to decide calendar days for streaks.
	Timezone    string `json:"timezone" yaml:"timezone" env:"PROGRESSION_TIMEZONE"`
	CatalogPath string `json:"catalog_path,omitempty" yaml:"catalog_path" env:"PROGRESSION_CATALOG_PATH"`
	// Dispatch is "sync" or "async".
	Dispatch string `json:"dispatch" yaml:"dispatch" env:"PROGRESSION_DISPATCH"`
}

// Location resolves Timezone, defaulting to UTC.
func (p ProgressionConfig) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// NotificationsConfig configures outbound webhooks.
type NotificationsConfig struct {
	Webhooks []string `json:"webhooks,omitempty" yaml:"webhooks" env:"NOTIFY_WEBHOOKS"`
	// Events restricts delivery to these event types; empty means all.
	Events  []string      `json:"events,omitempty" yaml:"events" env:"NOTIFY_EVENTS"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"NOTIFY_TIMEOUT"`
}

// AnalyticsConfig toggles in-process engagement metrics.
type AnalyticsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ANALYTICS_ENABLED"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".json", ".yaml", ".yml":
	default:
		return errors.New("config file must have .json, .yaml or .yml extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file. Environment
// variables override file values.
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	sqlCfg := sqlx.DefaultConfig()
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigins:       []string{"*"},
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlCfg,
			File: FileConfig{
				Path: "./data/xp360.json",
			},
			Migrate: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
		Progression: ProgressionConfig{
			Curve:    "linear",
			XPStep:   100,
			Timezone: "UTC",
			Dispatch: "async",
		},
		Notifications: NotificationsConfig{
			Timeout: 5 * time.Second,
		},
		Analytics: AnalyticsConfig{Enabled: true},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config: %v", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Progression.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("progression config: %v", err))
	}

	if err := c.Notifications.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("notifications config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		cfg.Security.APIKeys = []string{"[REDACTED]"}
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
