package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValidWithBaseURL(t *testing.T) {
	cfg := DefaultConfig()

	// Only the base URL has no sensible default
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation failure without a base URL")
	}

	cfg.Platform.BaseURL = "https://platform.example"
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate once base URL is set: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ARTEX_BASE_URL", "https://env.example")
	t.Setenv("ARTEX_REQUESTS_PER_MINUTE", "30")
	t.Setenv("ARTEX_FETCH_WORKERS", "5")
	t.Setenv("ARTEX_PROXY_ENDPOINTS", "http://p1:8080,http://p2:8080")
	t.Setenv("ARTEX_DATA_DIR", "/tmp/env-data")
	t.Setenv("ARTEX_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Platform.BaseURL != "https://env.example" {
		t.Errorf("base URL not read from env: %q", cfg.Platform.BaseURL)
	}
	if cfg.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("rate limit not read from env: %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Fetch.Workers != 5 {
		t.Errorf("workers not read from env: %d", cfg.Fetch.Workers)
	}
	if len(cfg.Proxy.Endpoints) != 2 || cfg.Proxy.Endpoints[1] != "http://p2:8080" {
		t.Errorf("proxy endpoints not read from env: %v", cfg.Proxy.Endpoints)
	}
	if cfg.Storage.DataDir != "/tmp/env-data" {
		t.Errorf("data dir not read from env: %q", cfg.Storage.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level not read from env: %q", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `platform:
  base_url: https://file.example
  request_timeout: 45s
fetch:
  workers: 4
logging:
  level: warn
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Platform.BaseURL != "https://file.example" {
		t.Errorf("base URL not loaded: %q", cfg.Platform.BaseURL)
	}
	if cfg.Platform.RequestTimeout != 45*time.Second {
		t.Errorf("request timeout not loaded: %v", cfg.Platform.RequestTimeout)
	}
	if cfg.Fetch.Workers != 4 {
		t.Errorf("workers not loaded: %d", cfg.Fetch.Workers)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level not loaded: %q", cfg.Logging.Level)
	}

	// Untouched sections keep their defaults
	if cfg.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("defaults lost during file load: %d", cfg.RateLimit.RequestsPerMinute)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for explicit missing file")
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("ARTEX_BASE_URL", "https://env.example")
	t.Setenv("ARTEX_FETCH_WORKERS", "5")
	t.Setenv("ARTEX_DATA_DIR", t.TempDir())

	cfg, err := Load("", map[string]interface{}{
		"base-url": "https://flag.example",
		"workers":  2,
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Platform.BaseURL != "https://flag.example" {
		t.Errorf("flag should win over env: %q", cfg.Platform.BaseURL)
	}
	if cfg.Fetch.Workers != 2 {
		t.Errorf("flag should win over env: %d", cfg.Fetch.Workers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no base url", func(c *Config) { c.Platform.BaseURL = "" }, "base URL"},
		{"zero workers", func(c *Config) { c.Fetch.Workers = 0 }, "workers"},
		{"too many workers", func(c *Config) { c.Fetch.Workers = 11 }, "workers"},
		{"zero attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }, "attempts"},
		{"zero burst", func(c *Config) { c.RateLimit.BurstSize = 0 }, "burst"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }, "data directory"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Platform.BaseURL = "https://platform.example"
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Platform.BaseURL = "https://saved.example"
	cfg.Fetch.Workers = 7
	cfg.Proxy.Endpoints = []string{"http://p1:8080"}

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded := DefaultConfig()
	if err := reloaded.LoadFromFile(path); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if reloaded.Platform.BaseURL != cfg.Platform.BaseURL {
		t.Errorf("base URL lost: %q", reloaded.Platform.BaseURL)
	}
	if reloaded.Fetch.Workers != 7 {
		t.Errorf("workers lost: %d", reloaded.Fetch.Workers)
	}
	if len(reloaded.Proxy.Endpoints) != 1 {
		t.Errorf("proxy endpoints lost: %v", reloaded.Proxy.Endpoints)
	}
}
