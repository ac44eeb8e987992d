// Package config provides configuration structures and loaders for the
// audit-trail ingester.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CursorMode selects where partition cursors are durably stored.
type CursorMode string

const (
	// CursorModeStore co-locates cursor advancement with the event insert
	// inside the same database transaction.
	CursorModeStore CursorMode = "store"
	// CursorModeBus relies on Kafka consumer-group offset commits only.
	CursorModeBus CursorMode = "bus"
)

// Config is the top-level ingester configuration.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// BusConfig holds Kafka consumer settings.
type BusConfig struct {
	BootstrapServers  []string `yaml:"bootstrap_servers"`
	ConsumerGroupID   string   `yaml:"consumer_group_id"`
	AutoOffsetReset   string   `yaml:"auto_offset_reset"` // earliest or latest
	EnableAutoCommit  bool     `yaml:"enable_auto_commit"`
	MaxPollIntervalMs int      `yaml:"max_poll_interval_ms"`
	FetchMaxBytes     int      `yaml:"fetch_max_bytes"`
	MaxPollRecords    int      `yaml:"max_poll_records"`
}

// StoreConfig holds audit-store connection settings.
type StoreConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	Database                 string `yaml:"database"`
	Username                 string `yaml:"username"`
	Password                 string `yaml:"password" json:"-"`
	SSLMode                  string `yaml:"ssl_mode"`
	MinPoolSize              int    `yaml:"min_pool_size"`
	MaxPoolSize              int    `yaml:"max_pool_size"`
	CommandTimeoutSeconds    int    `yaml:"command_timeout_seconds"`
	ConnectionTimeoutSeconds int    `yaml:"connection_timeout_seconds"`
	MigrationsPath           string `yaml:"migrations_path"`
}

// PipelineConfig holds processing and retry settings.
type PipelineConfig struct {
	MaxRetries                 int        `yaml:"max_retries"`
	BackoffInitialMs           int        `yaml:"backoff_initial_ms"`
	BackoffMaxMs               int        `yaml:"backoff_max_ms"`
	TimestampSkewPastDays      int        `yaml:"timestamp_skew_past_days"`
	TimestampSkewFutureSeconds int        `yaml:"timestamp_skew_future_seconds"`
	MetricsFlushIntervalMs     int        `yaml:"metrics_flush_interval_ms"`
	MetricsQueueCapacity       int        `yaml:"metrics_queue_capacity"`
	CursorMode                 CursorMode `yaml:"cursor_mode"`
	ShutdownDeadlineSeconds    int        `yaml:"shutdown_deadline_seconds"`
}

// Default returns a configuration with sane defaults for local development.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			BootstrapServers:  []string{"localhost:9092"},
			ConsumerGroupID:   "order-audit-ingester",
			AutoOffsetReset:   "earliest",
			EnableAutoCommit:  false,
			MaxPollIntervalMs: 300000,
			FetchMaxBytes:     10 * 1024 * 1024,
			MaxPollRecords:    500,
		},
		Store: StoreConfig{
			Host:                     "localhost",
			Port:                     5432,
			Database:                 "audit",
			Username:                 "audit",
			SSLMode:                  "disable",
			MinPoolSize:              5,
			MaxPoolSize:              100,
			CommandTimeoutSeconds:    30,
			ConnectionTimeoutSeconds: 5,
			MigrationsPath:           "migrations",
		},
		Pipeline: PipelineConfig{
			MaxRetries:                 5,
			BackoffInitialMs:           100,
			BackoffMaxMs:               30000,
			TimestampSkewPastDays:      30,
			TimestampSkewFutureSeconds: 300,
			MetricsFlushIntervalMs:     5000,
			MetricsQueueCapacity:       4096,
			CursorMode:                 CursorModeStore,
			ShutdownDeadlineSeconds:    30,
		},
	}
}

// Load reads a YAML configuration file on top of defaults. The database
// password may be supplied via AUDIT_DB_PASSWORD instead of the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if pw := os.Getenv("AUDIT_DB_PASSWORD"); pw != "" {
		cfg.Store.Password = pw
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults back-fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	def := Default()
	if len(c.Bus.BootstrapServers) == 0 {
		c.Bus.BootstrapServers = def.Bus.BootstrapServers
	}
	if c.Bus.AutoOffsetReset == "" {
		c.Bus.AutoOffsetReset = def.Bus.AutoOffsetReset
	}
	if c.Bus.MaxPollIntervalMs == 0 {
		c.Bus.MaxPollIntervalMs = def.Bus.MaxPollIntervalMs
	}
	if c.Bus.FetchMaxBytes == 0 {
		c.Bus.FetchMaxBytes = def.Bus.FetchMaxBytes
	}
	if c.Bus.MaxPollRecords == 0 {
		c.Bus.MaxPollRecords = def.Bus.MaxPollRecords
	}
	if c.Store.MinPoolSize == 0 {
		c.Store.MinPoolSize = def.Store.MinPoolSize
	}
	if c.Store.MaxPoolSize == 0 {
		c.Store.MaxPoolSize = def.Store.MaxPoolSize
	}
	if c.Store.CommandTimeoutSeconds == 0 {
		c.Store.CommandTimeoutSeconds = def.Store.CommandTimeoutSeconds
	}
	if c.Store.ConnectionTimeoutSeconds == 0 {
		c.Store.ConnectionTimeoutSeconds = def.Store.ConnectionTimeoutSeconds
	}
	if c.Pipeline.MaxRetries == 0 {
		c.Pipeline.MaxRetries = def.Pipeline.MaxRetries
	}
	if c.Pipeline.BackoffInitialMs == 0 {
		c.Pipeline.BackoffInitialMs = def.Pipeline.BackoffInitialMs
	}
	if c.Pipeline.BackoffMaxMs == 0 {
		c.Pipeline.BackoffMaxMs = def.Pipeline.BackoffMaxMs
	}
	if c.Pipeline.TimestampSkewPastDays == 0 {
		c.Pipeline.TimestampSkewPastDays = def.Pipeline.TimestampSkewPastDays
	}
	if c.Pipeline.TimestampSkewFutureSeconds == 0 {
		c.Pipeline.TimestampSkewFutureSeconds = def.Pipeline.TimestampSkewFutureSeconds
	}
	if c.Pipeline.MetricsFlushIntervalMs == 0 {
		c.Pipeline.MetricsFlushIntervalMs = def.Pipeline.MetricsFlushIntervalMs
	}
	if c.Pipeline.MetricsQueueCapacity == 0 {
		c.Pipeline.MetricsQueueCapacity = def.Pipeline.MetricsQueueCapacity
	}
	if c.Pipeline.CursorMode == "" {
		c.Pipeline.CursorMode = def.Pipeline.CursorMode
	}
	if c.Pipeline.ShutdownDeadlineSeconds == 0 {
		c.Pipeline.ShutdownDeadlineSeconds = def.Pipeline.ShutdownDeadlineSeconds
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if len(c.Bus.BootstrapServers) == 0 {
		return fmt.Errorf("bus.bootstrap_servers cannot be empty")
	}
	if c.Bus.ConsumerGroupID == "" {
		return fmt.Errorf("bus.consumer_group_id is required")
	}
	if c.Bus.AutoOffsetReset != "earliest" && c.Bus.AutoOffsetReset != "latest" {
		return fmt.Errorf("bus.auto_offset_reset must be earliest or latest, got %q", c.Bus.AutoOffsetReset)
	}
	// Commit policy is manual by contract; auto-commit would break the
	// cursor guarantees.
	if c.Bus.EnableAutoCommit {
		return fmt.Errorf("bus.enable_auto_commit must be false")
	}
	if c.Store.Host == "" {
		return fmt.Errorf("store.host is required")
	}
	if c.Store.Port <= 0 || c.Store.Port > 65535 {
		return fmt.Errorf("invalid store.port: %d", c.Store.Port)
	}
	if c.Store.Database == "" {
		return fmt.Errorf("store.database is required")
	}
	if c.Store.MinPoolSize > c.Store.MaxPoolSize {
		return fmt.Errorf("store.min_pool_size cannot exceed store.max_pool_size")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries cannot be negative")
	}
	if c.Pipeline.CursorMode != CursorModeStore && c.Pipeline.CursorMode != CursorModeBus {
		return fmt.Errorf("pipeline.cursor_mode must be store or bus, got %q", c.Pipeline.CursorMode)
	}
	return nil
}

// DSN builds the Postgres connection string for the audit store.
func (c *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode, c.ConnectionTimeoutSeconds,
	)
}

// BackoffInitial returns the initial retry backoff as a duration.
func (c *PipelineConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling as a duration.
func (c *PipelineConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// SkewPast returns how far in the past an event timestamp may lie.
func (c *PipelineConfig) SkewPast() time.Duration {
	return time.Duration(c.TimestampSkewPastDays) * 24 * time.Hour
}

// SkewFuture returns how far in the future an event timestamp may lie.
func (c *PipelineConfig) SkewFuture() time.Duration {
	return time.Duration(c.TimestampSkewFutureSeconds) * time.Second
}

// MetricsFlushInterval returns the metrics flush cadence as a duration.
func (c *PipelineConfig) MetricsFlushInterval() time.Duration {
	return time.Duration(c.MetricsFlushIntervalMs) * time.Millisecond
}

// ShutdownDeadline returns the hard shutdown deadline as a duration.
func (c *PipelineConfig) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownDeadlineSeconds) * time.Second
}
