// Package config loads runtime configuration from a YAML file and
// ROWLOADER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/cursor"
	"rowloader/internal/domain/loader"
	"rowloader/internal/infrastructure/storage/postgres"
	"rowloader/pkg/logger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROWLOADER_"

// Config is the runtime configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Loader    LoaderConfig    `yaml:"loader"`
	Cache     CacheConfig     `yaml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	SlowQuery SlowQueryConfig `yaml:"slow_query"`
}

type LogConfig struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	OutputPaths []string `yaml:"output_paths"`
}

type DatabaseConfig struct {
	// Driver is "postgres" (pgx pool) or "sqlite" (database/sql).
	Driver            string        `yaml:"driver"`
	URL               string        `yaml:"url"`
	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	ApplicationName   string        `yaml:"application_name"`
	// StatementTimeout bounds every snapshot transaction (zero disables it).
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	// Snapshot runs the page and COUNT(*) statements in one read-only
	// repeatable-read transaction.
	Snapshot bool `yaml:"snapshot"`
}

type LoaderConfig struct {
	DefaultTake        int `yaml:"default_take"`
	MaxTake            int `yaml:"max_take"`
	MaxLookaheadPages  int `yaml:"max_lookahead_pages"`
	VirtualConcurrency int `yaml:"virtual_concurrency"`
	// CursorCompressThreshold is the encoded size from which cursors are
	// zstd-compressed (zero keeps the codec default).
	CursorCompressThreshold int `yaml:"cursor_compress_threshold"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	// Channel is the NOTIFY channel for invalidation (postgres only).
	Channel string `yaml:"channel"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type SlowQueryConfig struct {
	Threshold time.Duration `yaml:"threshold"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	pool := postgres.DefaultPoolConfig("")
	return &Config{
		Env: "development",
		Log: LogConfig{Level: "info", Development: true},
		Database: DatabaseConfig{
			Driver:            "postgres",
			MaxConns:          pool.MaxConns,
			MinConns:          pool.MinConns,
			MaxConnLifetime:   pool.MaxConnLifetime,
			MaxConnIdleTime:   pool.MaxConnIdleTime,
			HealthCheckPeriod: pool.HealthCheckPeriod,
			ApplicationName:   pool.ApplicationName,
			StatementTimeout:  postgres.DefaultTxOptions().StatementTimeout,
		},
		Loader: LoaderConfig{
			DefaultTake:       20,
			MaxTake:           1000,
			MaxLookaheadPages: 10,
		},
		Cache:     CacheConfig{TTL: 30 * time.Second, MaxEntries: 1024},
		Metrics:   MetricsConfig{Namespace: "rowloader"},
		SlowQuery: SlowQueryConfig{Threshold: 500 * time.Millisecond},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperror.NewConfiguration("read config file").
				WithDetail("path", path).
				WithCause(err)
		}
		if err := Decode(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode strictly decodes YAML into cfg; unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return apperror.NewConfiguration("invalid config").WithCause(err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return apperror.NewConfiguration(fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if c.Loader.DefaultTake < 0 || c.Loader.MaxTake < 0 || c.Loader.MaxLookaheadPages < 0 {
		return apperror.NewConfiguration("loader limits must not be negative")
	}
	if c.Loader.MaxTake > 0 && c.Loader.DefaultTake > c.Loader.MaxTake {
		return apperror.NewConfiguration("default_take exceeds max_take").
			WithDetail("default_take", c.Loader.DefaultTake).
			WithDetail("max_take", c.Loader.MaxTake)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return apperror.NewConfiguration("cache ttl must be positive")
	}
	return nil
}

// Logger builds the configured logger.
func (c *Config) Logger() (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:       c.Log.Level,
		Development: c.Log.Development,
		OutputPaths: c.Log.OutputPaths,
	})
}

// PoolConfig returns the pgx pool settings.
func (c *Config) PoolConfig() postgres.PoolConfig {
	pc := postgres.DefaultPoolConfig(c.Database.URL)
	pc.MaxConns = c.Database.MaxConns
	pc.MinConns = c.Database.MinConns
	pc.MaxConnLifetime = c.Database.MaxConnLifetime
	pc.MaxConnIdleTime = c.Database.MaxConnIdleTime
	pc.HealthCheckPeriod = c.Database.HealthCheckPeriod
	pc.ApplicationName = c.Database.ApplicationName
	return pc
}

// TxOptions returns the snapshot transaction settings.
func (c *Config) TxOptions() postgres.TxOptions {
	opts := postgres.DefaultTxOptions()
	opts.StatementTimeout = c.Database.StatementTimeout
	return opts
}

// LoaderOptions returns the defaults every loader starts from.
func (c *Config) LoaderOptions(log *logger.Logger) (loader.Options, error) {
	opts := loader.Options{
		DefaultTake:        c.Loader.DefaultTake,
		MaxTake:            c.Loader.MaxTake,
		MaxLookaheadPages:  c.Loader.MaxLookaheadPages,
		VirtualConcurrency: c.Loader.VirtualConcurrency,
		Logger:             log,
	}
	if n := c.Loader.CursorCompressThreshold; n != 0 {
		codec, err := cursor.New(cursor.WithCompressThreshold(n))
		if err != nil {
			return loader.Options{}, apperror.NewConfiguration("create cursor codec").WithCause(err)
		}
		opts.Codec = codec
	}
	return opts, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) {
	env := envReader{lookup: lookup}

	c.Env = env.String("ENV", c.Env)
	c.Log.Level = env.String("LOG_LEVEL", c.Log.Level)
	c.Log.Development = env.Bool("LOG_DEVELOPMENT", c.Log.Development)

	c.Database.Driver = env.String("DB_DRIVER", c.Database.Driver)
	c.Database.URL = env.String("DATABASE_URL", c.Database.URL)
	c.Database.MaxConns = int32(env.Int("DB_MAX_CONNS", int(c.Database.MaxConns)))
	c.Database.MinConns = int32(env.Int("DB_MIN_CONNS", int(c.Database.MinConns)))
	c.Database.MaxConnLifetime = env.Duration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = env.Duration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.ApplicationName = env.String("DB_APPLICATION_NAME", c.Database.ApplicationName)
	c.Database.StatementTimeout = env.Duration("STATEMENT_TIMEOUT", c.Database.StatementTimeout)
	c.Database.Snapshot = env.Bool("DB_SNAPSHOT", c.Database.Snapshot)

	c.Loader.DefaultTake = env.Int("DEFAULT_TAKE", c.Loader.DefaultTake)
	c.Loader.MaxTake = env.Int("MAX_TAKE", c.Loader.MaxTake)
	c.Loader.MaxLookaheadPages = env.Int("MAX_LOOKAHEAD_PAGES", c.Loader.MaxLookaheadPages)
	c.Loader.VirtualConcurrency = env.Int("VIRTUAL_CONCURRENCY", c.Loader.VirtualConcurrency)
	c.Loader.CursorCompressThreshold = env.Int("CURSOR_COMPRESS_THRESHOLD", c.Loader.CursorCompressThreshold)

	c.Cache.Enabled = env.Bool("CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.TTL = env.Duration("CACHE_TTL", c.Cache.TTL)
	c.Cache.MaxEntries = env.Int("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.Channel = env.String("CACHE_CHANNEL", c.Cache.Channel)

	c.Metrics.Enabled = env.Bool("METRICS_ENABLED", c.Metrics.Enabled)
	c.SlowQuery.Threshold = env.Duration("SLOW_QUERY_THRESHOLD", c.SlowQuery.Threshold)
}

// envReader reads prefixed variables; malformed values keep the default.
type envReader struct {
	lookup lookupFunc
}

func (e envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e envReader) String(key, defaultValue string) string {
	if v, ok := e.get(key); ok {
		return v
	}
	return defaultValue
}

func (e envReader) Int(key string, defaultValue int) int {
	if v, ok := e.get(key); ok {
		var result int
		if _, err := fmt.Sscanf(v, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func (e envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	if v, ok := e.get(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func (e envReader) Bool(key string, defaultValue bool) bool {
	if v, ok := e.get(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}
