// Package config loads coedit settings: built-in defaults, then an optional
// YAML or JSON file, then COEDIT_* environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/coedit/internal/merge"
	"github.com/roach88/coedit/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. COEDIT_DATABASE_DSN.
const EnvPrefix = "COEDIT_"

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig `json:"database" yaml:"database" envPrefix:"DATABASE_"`
	Merge    MergeConfig    `json:"merge" yaml:"merge" envPrefix:"MERGE_"`
	Store    StoreConfig    `json:"store" yaml:"store" envPrefix:"STORE_"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify" envPrefix:"NOTIFY_"`
	Redis    RedisConfig    `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	Log      LogConfig      `json:"log" yaml:"log" envPrefix:"LOG_"`
	Schema   SchemaConfig   `json:"schema" yaml:"schema" envPrefix:"SCHEMA_"`
}

// DatabaseConfig selects the version store.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `json:"driver" yaml:"driver" env:"DRIVER"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `json:"dsn" yaml:"dsn" env:"DSN"`

	// PageSize bounds rows per history query.
	PageSize int `json:"page_size" yaml:"page_size" env:"PAGE_SIZE"`
}

// MergeConfig controls conflict resolution.
type MergeConfig struct {
	Granularity string `json:"granularity" yaml:"granularity" env:"GRANULARITY"`
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// StoreConfig controls retries of transient store failures.
type StoreConfig struct {
	Retries int           `json:"retries" yaml:"retries" env:"RETRIES"`
	Backoff time.Duration `json:"backoff" yaml:"backoff" env:"BACKOFF"`
}

// NotifyConfig sizes in-process subscriber buffers.
type NotifyConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// RedisConfig enables forwarding change records to Redis pub/sub.
type RedisConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Addr          string `json:"addr" yaml:"addr" env:"ADDR"`
	Password      string `json:"password" yaml:"password" env:"PASSWORD"`
	DB            int    `json:"db" yaml:"db" env:"DB"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix" env:"CHANNEL_PREFIX"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// SchemaConfig optionally replaces the built-in event schema.
type SchemaConfig struct {
	Path       string `json:"path" yaml:"path" env:"PATH"`
	Definition string `json:"definition" yaml:"definition" env:"DEFINITION"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			DSN:      "coedit.db",
			PageSize: 64,
		},
		Merge: MergeConfig{
			Granularity: string(merge.GranularityField),
			MaxAttempts: 3,
		},
		Store: StoreConfig{
			Retries: 3,
			Backoff: 10 * time.Millisecond,
		},
		Notify: NotifyConfig{
			BufferSize: 64,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "coedit:events:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Schema: SchemaConfig{
			Definition: "#Event",
		},
	}
}

// Load builds a validated configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults. Unknown keys are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any COEDIT_* variables that are set.
// Unset variables leave the current values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := store.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.PageSize < 1 {
		return fmt.Errorf("database.page_size must be at least 1, got %d", c.Database.PageSize)
	}

	if _, err := merge.ParseGranularity(c.Merge.Granularity); err != nil {
		return fmt.Errorf("merge.granularity: %w", err)
	}
	if c.Merge.MaxAttempts < 1 {
		return fmt.Errorf("merge.max_attempts must be at least 1, got %d", c.Merge.MaxAttempts)
	}

	if c.Store.Retries < 0 {
		return fmt.Errorf("store.retries must be non-negative, got %d", c.Store.Retries)
	}
	if c.Store.Backoff < 0 {
		return fmt.Errorf("store.backoff must be non-negative, got %s", c.Store.Backoff)
	}

	if c.Notify.BufferSize < 1 {
		return fmt.Errorf("notify.buffer_size must be at least 1, got %d", c.Notify.BufferSize)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be non-negative, got %d", c.Redis.DB)
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	if c.Schema.Path != "" && c.Schema.Definition == "" {
		return fmt.Errorf("schema.definition is required when schema.path is set")
	}
	return nil
}

// LogLevel maps log.level to a slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", c.Log.Level)
	}
	return level, nil
}

// MergeSettings returns the resolver configuration.
func (c *Config) MergeSettings() merge.Config {
	g, _ := merge.ParseGranularity(c.Merge.Granularity)
	return merge.Config{
		Granularity:  g,
		MaxAttempts:  c.Merge.MaxAttempts,
		StoreRetries: c.Store.Retries,
		RetryBackoff: c.Store.Backoff,
	}
}
