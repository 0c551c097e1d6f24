// Package config loads the database's startup configuration: which engine
// backend to run, where it keeps data, the transaction driver's default
// retry policy, and whether performance tracking is on.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineKind names one of the three pluggable storage.Engine backends.
type EngineKind string

const (
	EngineMemory EngineKind = "memory"
	EngineOCC    EngineKind = "occ"
	EngineLongTx EngineKind = "longtx"
)

// Config is the top-level configuration, loadable from a YAML file and then
// overridden by environment variables, in that order.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Transaction TransactionConfig `yaml:"transaction"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// EngineConfig selects and configures the storage backend.
type EngineConfig struct {
	Kind    EngineKind `yaml:"kind" env:"TSKV_ENGINE"`
	DataDir string     `yaml:"data_dir" env:"TSKV_DATA_DIR"`
}

// TransactionConfig sets the transaction driver's defaults.
type TransactionConfig struct {
	// DefaultRetryCount is a retry bound in transaction_exec's terms: 0
	// disables retry; tskv.InfiniteRetry retries forever. It is loaded and
	// overridable like every other field, but nothing in this module reads
	// it: the exec-demo command takes its bound from its own --retries flag.
	DefaultRetryCount uint64 `yaml:"default_retry_count" env:"TSKV_DEFAULT_RETRY_COUNT"`
	// PerformanceTracking turns on the Database's counters (transaction
	// count, retry count, process/wait time), mirroring the core's "perf"
	// database attribute.
	PerformanceTracking bool `yaml:"performance_tracking" env:"TSKV_PERF_TRACKING"`
}

// LoggingConfig configures the zerolog writer.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"TSKV_LOG_LEVEL"`
	Format string `yaml:"format" env:"TSKV_LOG_FORMAT"` // "json" or "console"
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"TSKV_METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"TSKV_METRICS_ADDR"`
}

// Default returns a configuration with default values: the in-process
// memory engine, infinite retry disabled (driver returns the last retryable
// status once its bound is exhausted), tracking off, info/json logging.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Kind:    EngineMemory,
			DataDir: "./data",
		},
		Transaction: TransactionConfig{
			DefaultRetryCount:  3,
			PerformanceTracking: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load builds a Config starting from defaults, overlaying a YAML file (if
// path is non-empty), then environment variables, and validates the
// result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	c.loadFromEnv()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func (c *Config) loadFromFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TSKV_ENGINE"); v != "" {
		c.Engine.Kind = EngineKind(v)
	}
	if v := os.Getenv("TSKV_DATA_DIR"); v != "" {
		c.Engine.DataDir = v
	}
	if v := os.Getenv("TSKV_DEFAULT_RETRY_COUNT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Transaction.DefaultRetryCount = n
		}
	}
	if v := os.Getenv("TSKV_PERF_TRACKING"); v != "" {
		c.Transaction.PerformanceTracking = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TSKV_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TSKV_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TSKV_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TSKV_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside Database.Open.
func (c *Config) Validate() error {
	switch c.Engine.Kind {
	case EngineMemory, EngineOCC, EngineLongTx:
	default:
		return fmt.Errorf("unknown engine kind: %q", c.Engine.Kind)
	}
	if c.Engine.Kind != EngineMemory && c.Engine.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty for engine %q", c.Engine.Kind)
	}
	return nil
}
