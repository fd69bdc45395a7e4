package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the exporter pipeline
type Config struct {
	// Upstream platform settings
	Platform PlatformConfig `yaml:"platform" json:"platform"`

	// Rate limiting against the platform API
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Fetch queue settings
	Fetch FetchConfig `yaml:"fetch" json:"fetch"`

	// Egress proxy routes for blocked resource fetches
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Local persistence
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Export output settings
	Export ExportConfig `yaml:"export" json:"export"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PlatformConfig holds upstream platform settings
type PlatformConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size" json:"burst_size"`
}

// FetchConfig holds fetch queue configuration
type FetchConfig struct {
	Workers        int           `yaml:"workers" json:"workers"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// ProxyConfig holds egress proxy endpoints, tried in order after direct
type ProxyConfig struct {
	Endpoints []string `yaml:"endpoints" json:"endpoints"`
}

// StorageConfig holds local persistence settings
type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// ExportConfig holds export output settings
type ExportConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Platform: PlatformConfig{
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			RequestTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Fetch: FetchConfig{
			Workers:        3,
			MaxAttempts:    3,
			AttemptTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Export: ExportConfig{
			OutputDir: "./exports",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if baseURL := os.Getenv("ARTEX_BASE_URL"); baseURL != "" {
		c.Platform.BaseURL = baseURL
	}
	if userAgent := os.Getenv("ARTEX_USER_AGENT"); userAgent != "" {
		c.Platform.UserAgent = userAgent
	}
	if rpm := os.Getenv("ARTEX_REQUESTS_PER_MINUTE"); rpm != "" {
		var val int
		fmt.Sscanf(rpm, "%d", &val)
		if val > 0 {
			c.RateLimit.RequestsPerMinute = val
		}
	}
	if workers := os.Getenv("ARTEX_FETCH_WORKERS"); workers != "" {
		var val int
		fmt.Sscanf(workers, "%d", &val)
		if val > 0 {
			c.Fetch.Workers = val
		}
	}
	if proxies := os.Getenv("ARTEX_PROXY_ENDPOINTS"); proxies != "" {
		c.Proxy.Endpoints = strings.Split(proxies, ",")
	}
	if dataDir := os.Getenv("ARTEX_DATA_DIR"); dataDir != "" {
		c.Storage.DataDir = dataDir
	}
	if outputDir := os.Getenv("ARTEX_OUTPUT_DIR"); outputDir != "" {
		c.Export.OutputDir = outputDir
	}
	if logLevel := os.Getenv("ARTEX_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".artex.yaml",
		".artex.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "artex", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "artex", "config.yml"),
		filepath.Join(os.Getenv("HOME"), ".artex.yaml"),
		filepath.Join(os.Getenv("HOME"), ".artex.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Platform.BaseURL == "" {
		errs = append(errs, errors.New("platform base URL is required"))
	}
	if c.Platform.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.BurstSize <= 0 {
		errs = append(errs, errors.New("burst size must be positive"))
	}

	if c.Fetch.Workers <= 0 {
		errs = append(errs, errors.New("fetch workers must be positive"))
	}
	if c.Fetch.Workers > 10 {
		errs = append(errs, errors.New("fetch workers should not exceed 10"))
	}
	if c.Fetch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.Fetch.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("attempt timeout must be positive"))
	}

	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.Export.OutputDir == "" {
		errs = append(errs, errors.New("export output directory is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if baseURL, ok := flags["base-url"].(string); ok && baseURL != "" {
		c.Platform.BaseURL = baseURL
	}
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Export.OutputDir = outputDir
	}
	if dataDir, ok := flags["data-dir"].(string); ok && dataDir != "" {
		c.Storage.DataDir = dataDir
	}
	if workers, ok := flags["workers"].(int); ok && workers > 0 {
		c.Fetch.Workers = workers
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".artex.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
