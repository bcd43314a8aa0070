// Package config holds the engine configuration. Components receive an
// immutable Config value at construction; runtime changes go through the
// Manager's single Reload entry point, which swaps the whole value atomically.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration. Values are never mutated after load;
// Reload builds a fresh Config and swaps it wholesale.
type Config struct {
	// Scheduling
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	MaxQueueSize      int `yaml:"max_queue_size"`

	// Retry policy
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// Hardware acceleration
	EnableGPU bool   `yaml:"enable_gpu"`
	GPUDevice string `yaml:"gpu_device"`

	// Transcode policy
	DefaultQualities      []string `yaml:"default_qualities"`
	MinCompressionPercent float64  `yaml:"min_compression_percent"`
	PreventDataInflation  bool     `yaml:"prevent_data_inflation"`

	// Filesystem roots
	OutputDirectory string `yaml:"output_directory"`
	TempDirectory   string `yaml:"temp_directory"`

	// Maintenance
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	ProgressUpdateInterval time.Duration `yaml:"progress_update_interval"`

	// Database
	DatabasePath string `yaml:"database_path"`

	// HTTP server
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentJobs:      2,
		MaxQueueSize:           100,
		RetryAttempts:          3,
		RetryDelay:             30 * time.Second,
		MaxRetryDelay:          5 * time.Minute,
		EnableGPU:              false,
		GPUDevice:              "/dev/dri/renderD128",
		DefaultQualities:       []string{"1080p", "720p"},
		MinCompressionPercent:  10,
		PreventDataInflation:   true,
		OutputDirectory:        "./data/transcoded",
		TempDirectory:          "./data/tmp",
		CleanupInterval:        30 * time.Minute,
		ProgressUpdateInterval: time.Second,
		DatabasePath:           "./data/obselis.db",
		ListenAddr:             ":8080",
	}
}

// Load builds a Config from defaults, the optional YAML file at path, and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("OBSELIS_OUTPUT_DIR"); v != "" {
		c.OutputDirectory = v
	}
	if v := os.Getenv("OBSELIS_TEMP_DIR"); v != "" {
		c.TempDirectory = v
	}
	if v := os.Getenv("OBSELIS_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("OBSELIS_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("OBSELIS_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("OBSELIS_ENABLE_GPU"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableGPU = b
		}
	}
	if v := os.Getenv("OBSELIS_GPU_DEVICE"); v != "" {
		c.GPUDevice = v
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs < 1 {
		return &ValidationError{Field: "max_concurrent_jobs", Message: "must be at least 1"}
	}
	if c.MaxQueueSize < 1 {
		return &ValidationError{Field: "max_queue_size", Message: "must be at least 1"}
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > 10 {
		return &ValidationError{Field: "retry_attempts", Message: "must be between 0 and 10"}
	}
	if c.RetryDelay < time.Second {
		return &ValidationError{Field: "retry_delay", Message: "must be at least 1s"}
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return &ValidationError{Field: "max_retry_delay", Message: "must be at least retry_delay"}
	}
	if c.MinCompressionPercent < 0 || c.MinCompressionPercent > 100 {
		return &ValidationError{Field: "min_compression_percent", Message: "must be between 0 and 100"}
	}
	if len(c.DefaultQualities) == 0 {
		return &ValidationError{Field: "default_qualities", Message: "at least one quality is required"}
	}
	if c.OutputDirectory == "" || c.TempDirectory == "" {
		return &ValidationError{Field: "output_directory", Message: "output and temp directories are required"}
	}
	if c.CleanupInterval < time.Minute {
		return &ValidationError{Field: "cleanup_interval", Message: "must be at least 1m"}
	}
	if c.ProgressUpdateInterval < 100*time.Millisecond {
		return &ValidationError{Field: "progress_update_interval", Message: "must be at least 100ms"}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error in field '" + e.Field + "': " + e.Message
}
