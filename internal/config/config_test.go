package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{"localhost:9092"}, cfg.Bus.BootstrapServers)
	assert.False(t, cfg.Bus.EnableAutoCommit)
	assert.Equal(t, "earliest", cfg.Bus.AutoOffsetReset)
	assert.Equal(t, 5, cfg.Store.MinPoolSize)
	assert.Equal(t, 100, cfg.Store.MaxPoolSize)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 30, cfg.Pipeline.TimestampSkewPastDays)
	assert.Equal(t, 300, cfg.Pipeline.TimestampSkewFutureSeconds)
	assert.Equal(t, CursorModeStore, cfg.Pipeline.CursorMode)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
bus:
  bootstrap_servers: ["kafka-1:9092", "kafka-2:9092"]
  consumer_group_id: audit-prod
  auto_offset_reset: latest
store:
  host: db.internal
  port: 5433
  database: audit_prod
  username: audit
pipeline:
  max_retries: 3
  cursor_mode: bus
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Bus.BootstrapServers)
	assert.Equal(t, "audit-prod", cfg.Bus.ConsumerGroupID)
	assert.Equal(t, "latest", cfg.Bus.AutoOffsetReset)
	assert.Equal(t, "db.internal", cfg.Store.Host)
	assert.Equal(t, 5433, cfg.Store.Port)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, CursorModeBus, cfg.Pipeline.CursorMode)

	// Untouched keys keep defaults.
	assert.Equal(t, 100, cfg.Pipeline.BackoffInitialMs)
	assert.Equal(t, 4096, cfg.Pipeline.MetricsQueueCapacity)
}

func TestLoad_PasswordFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  consumer_group_id: g\n"), 0o600))

	t.Setenv("AUDIT_DB_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Store.Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "auto commit enabled",
			mutate:  func(c *Config) { c.Bus.EnableAutoCommit = true },
			wantErr: "enable_auto_commit",
		},
		{
			name:    "missing group id",
			mutate:  func(c *Config) { c.Bus.ConsumerGroupID = "" },
			wantErr: "consumer_group_id",
		},
		{
			name:    "bad offset reset",
			mutate:  func(c *Config) { c.Bus.AutoOffsetReset = "newest" },
			wantErr: "auto_offset_reset",
		},
		{
			name:    "pool bounds inverted",
			mutate:  func(c *Config) { c.Store.MinPoolSize = 200 },
			wantErr: "min_pool_size",
		},
		{
			name:    "bad cursor mode",
			mutate:  func(c *Config) { c.Pipeline.CursorMode = "redis" },
			wantErr: "cursor_mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Bus.ConsumerGroupID = "g"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestStoreConfig_DSN(t *testing.T) {
	cfg := Default().Store
	cfg.Password = "pw"
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=audit")
	assert.Contains(t, dsn, "sslmode=disable")
	assert.Contains(t, dsn, "connect_timeout=5")
}

func TestPipelineConfig_Durations(t *testing.T) {
	cfg := Default().Pipeline
	assert.Equal(t, "100ms", cfg.BackoffInitial().String())
	assert.Equal(t, "30s", cfg.BackoffMax().String())
	assert.Equal(t, "720h0m0s", cfg.SkewPast().String())
	assert.Equal(t, "5m0s", cfg.SkewFuture().String())
	assert.Equal(t, "5s", cfg.MetricsFlushInterval().String())
}
