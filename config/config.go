package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/pesadb/engine"
	"github.com/INLOpen/pesadb/wal"
)

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	Name            string `yaml:"name"`
	Backend         string `yaml:"backend"` // "auto", "accelerated" or "fallback"
	BufferSizeBytes int    `yaml:"buffer_size_bytes"`
}

// CacheConfig holds cache-specific configurations.
type CacheConfig struct {
	RowCacheCapacity int `yaml:"row_cache_capacity"`
}

// MetricsConfig controls the expvar publication of engine metrics.
type MetricsConfig struct {
	Publish bool   `yaml:"publish"`
	Prefix  string `yaml:"prefix"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	DataDir           string        `yaml:"data_dir"`
	CheckpointOnClose bool          `yaml:"checkpoint_on_close"`
	LockTimeout       string        `yaml:"lock_timeout"`
	WAL               WALConfig     `yaml:"wal"`
	Cache             CacheConfig   `yaml:"cache"`
	Metrics           MetricsConfig `yaml:"metrics"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// OutlierRuleConfig bounds one numeric column of a table.
type OutlierRuleConfig struct {
	Table  string  `yaml:"table"`
	Column string  `yaml:"column"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Reject bool    `yaml:"reject"`
}

// HooksConfig selects the built-in listeners registered by the tools.
type HooksConfig struct {
	RowCountAlertThreshold int                 `yaml:"row_count_alert_threshold"`
	RewriteAmplification   bool                `yaml:"rewrite_amplification"`
	Outliers               []OutlierRuleConfig `yaml:"outliers"`
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Hooks   HooksConfig   `yaml:"hooks"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Engine: EngineConfig{
			DataDir:           "./data",
			CheckpointOnClose: true,
			LockTimeout:       "2s",
			WAL: WALConfig{
				Name:            engine.DefaultWALName,
				Backend:         string(wal.ModeAuto),
				BufferSizeBytes: wal.DefaultBufferSize,
			},
			Cache: CacheConfig{
				RowCacheCapacity: engine.DefaultRowCacheCapacity,
			},
			Metrics: MetricsConfig{
				Publish: false,
				Prefix:  engine.DefaultMetricsPrefix,
			},
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Output: "stdout",
			File:   "pesadb.log",
		},
		Hooks: HooksConfig{
			RowCountAlertThreshold: 1_000_000,
			RewriteAmplification:   true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// ToEngineOptions converts the engine section into engine.Options. logger is
// used for the engine and for reporting ignored values.
func (c *Config) ToEngineOptions(logger *slog.Logger) (engine.Options, error) {
	mode, err := wal.ParseBackendMode(c.Engine.WAL.Backend)
	if err != nil {
		return engine.Options{}, fmt.Errorf("invalid engine.wal.backend: %w", err)
	}
	if c.Engine.WAL.BufferSizeBytes < 0 {
		return engine.Options{}, fmt.Errorf("invalid engine.wal.buffer_size_bytes %d", c.Engine.WAL.BufferSizeBytes)
	}

	opts := engine.DefaultOptions(c.Engine.DataDir)
	if c.Engine.WAL.Name != "" {
		opts.WALName = c.Engine.WAL.Name
	}
	opts.WALBackend = mode
	opts.WALBufferSize = c.Engine.WAL.BufferSizeBytes
	opts.RowCacheCapacity = c.Engine.Cache.RowCacheCapacity
	if opts.RowCacheCapacity == 0 {
		// Zero in YAML means "no cache"; the engine reads zero as the default.
		opts.RowCacheCapacity = -1
	}
	opts.CheckpointOnClose = c.Engine.CheckpointOnClose
	opts.LockTimeout = ParseDuration(c.Engine.LockTimeout, engine.DefaultLockTimeout, logger)
	opts.Metrics = engine.NewEngineMetrics(c.Engine.Metrics.Publish, c.Engine.Metrics.Prefix)
	opts.Logger = logger
	return opts, nil
}
