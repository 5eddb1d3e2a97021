// Package config loads the reader's sync configuration from YAML with
// sensible defaults for every field.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OU4/bookreader-sub001/internal/ratelimit"
)

// RateLimitEntry is one row of the rate-limit table.
type RateLimitEntry struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// RetryConfig bounds internal retries for remote operations.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffUnit time.Duration `yaml:"backoff_unit"`
}

// TransferConfig configures the blob transfer pipeline.
type TransferConfig struct {
	Bucket      string `yaml:"bucket"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// Config is the full sync configuration.
type Config struct {
	ProjectID string `yaml:"project_id"`
	UserID    string `yaml:"user_id"`

	// CatalogDir holds the catalog file, rolling backup and snapshots.
	CatalogDir string `yaml:"catalog_dir"`
	// BooksDir is the documents directory book file references resolve
	// against.
	BooksDir string `yaml:"books_dir"`
	// CacheDir receives downloaded payloads.
	CacheDir string `yaml:"cache_dir"`

	ProbeInterval     time.Duration `yaml:"probe_interval"`
	IntegrityInterval time.Duration `yaml:"integrity_interval"`

	Retry      RetryConfig               `yaml:"retry"`
	Transfer   TransferConfig            `yaml:"transfer"`
	RateLimits map[string]RateLimitEntry `yaml:"rate_limits"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".bookreader")
	return Config{
		CatalogDir:        filepath.Join(base, "catalog"),
		BooksDir:          filepath.Join(base, "books"),
		CacheDir:          filepath.Join(base, "cache"),
		ProbeInterval:     15 * time.Second,
		IntegrityInterval: 5 * time.Minute,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffUnit: time.Second,
		},
		Transfer: TransferConfig{
			MaxFileSize: 100 * 1024 * 1024,
		},
		RateLimits: map[string]RateLimitEntry{
			string(ratelimit.CategoryUpload):     {Max: 5, Window: time.Minute},
			string(ratelimit.CategoryBookUpdate): {Max: 20, Window: time.Minute},
			string(ratelimit.CategoryHighlight):  {Max: 30, Window: time.Minute},
			string(ratelimit.CategoryDefault):    {Max: 100, Window: time.Minute},
		},
	}
}

// Load reads a YAML config file, overlaying it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.CatalogDir == "" {
		return fmt.Errorf("catalog_dir is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffUnit <= 0 {
		return fmt.Errorf("retry.backoff_unit must be > 0, got %v", c.Retry.BackoffUnit)
	}
	if c.Transfer.MaxFileSize <= 0 {
		return fmt.Errorf("transfer.max_file_size must be > 0, got %d", c.Transfer.MaxFileSize)
	}
	for name, entry := range c.RateLimits {
		if entry.Max < 1 {
			return fmt.Errorf("rate_limits.%s.max must be >= 1, got %d", name, entry.Max)
		}
		if entry.Window <= 0 {
			return fmt.Errorf("rate_limits.%s.window must be > 0, got %v", name, entry.Window)
		}
	}
	return nil
}

// Limits converts the configured table into the limiter's form.
func (c Config) Limits() map[ratelimit.Category]ratelimit.Limit {
	out := make(map[ratelimit.Category]ratelimit.Limit, len(c.RateLimits))
	for name, entry := range c.RateLimits {
		out[ratelimit.Category(name)] = ratelimit.Limit{Max: entry.Max, Window: entry.Window}
	}
	return out
}
