package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml or .env is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "invoice.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 72, cfg.Queue.MaxAgeHours)
	assert.Equal(t, 30, cfg.Queue.BaseDelaySecs)
	assert.InDelta(t, 0.5, cfg.Queue.Jitter, 0.001)
	assert.Equal(t, 15, cfg.Queue.SweepIntervalSecs)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 5000, cfg.Pipeline.AcquireTimeoutMs)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxAttempts)
	assert.True(t, cfg.Pipeline.Circuit.Enabled)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.Equal(t, "Invoice__c", cfg.Salesforce.Object)
	assert.Equal(t, 168, cfg.Redis.LedgerTTLHr)
	assert.True(t, cfg.Monitoring.AlertOnDeadLetter)

	assert.Equal(t, RateLimitConfig{Capacity: 120, WindowSecs: 60, MaxInFlight: 8}, cfg.RateLimit("docai"))
	assert.Equal(t, RateLimitConfig{Capacity: 3, WindowSecs: 1, MaxInFlight: 3}, cfg.RateLimit("notion"))
	assert.Equal(t, RateLimitConfig{}, cfg.RateLimit("local"))
	assert.Equal(t, RateLimitConfig{}, cfg.RateLimit("unknown"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/invoices
log:
  level: debug
  format: console
server:
  port: 9090
queue:
  max_attempts: 8
rate_limits:
  salesforce:
    capacity: 10
    window_secs: 1
    max_in_flight: 2
mailer:
  to:
    - ap@example.com
    - finance@example.com
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/invoices", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Queue.MaxAttempts)
	assert.Equal(t, RateLimitConfig{Capacity: 10, WindowSecs: 1, MaxInFlight: 2}, cfg.RateLimit("salesforce"))
	assert.Equal(t, []string{"ap@example.com", "finance@example.com"}, cfg.Mailer.To)
	// Defaults still apply for unset values
	assert.Equal(t, 50, cfg.Queue.BatchSize)
	assert.Equal(t, 120, cfg.RateLimit("docai").Capacity)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("INVOICE_STORE_DRIVER", "postgres")
	t.Setenv("INVOICE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("INVOICE_SERVER_PORT", "3000")
	t.Setenv("INVOICE_RATE_LIMITS_MAILER_CAPACITY", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.RateLimit("mailer").Capacity)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INVOICE_ANTHROPIC_KEY=sk-ant-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("INVOICE_ANTHROPIC_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-dotenv", cfg.Anthropic.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "invoice.db"
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.Jitter = 0.5
	cfg.Pipeline.Workers = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateProcess(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("process"))
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("process")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/invoices"
	assert.NoError(t, cfg.Validate("process"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("process")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateIngest_NeedsHost(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inbox.host is required")

	cfg.Inbox.Host = "ftp.example.com:21"
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.Queue.MaxAttempts = 0
	cfg.Queue.Jitter = 1.5
	cfg.Pipeline.Workers = 0
	cfg.RateLimits = map[string]RateLimitConfig{"docai": {Capacity: -1}}

	err := cfg.Validate("process")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_attempts must be >= 1")
	assert.Contains(t, err.Error(), "queue.jitter must be between 0 and 1")
	assert.Contains(t, err.Error(), "pipeline.workers must be between 1 and 64")
	assert.Contains(t, err.Error(), "rate_limits.docai values must be >= 0")
}
