package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig                `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig                `yaml:"redis" mapstructure:"redis"`
	Queue      QueueConfig                `yaml:"queue" mapstructure:"queue"`
	Pipeline   PipelineConfig             `yaml:"pipeline" mapstructure:"pipeline"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits" mapstructure:"rate_limits"`
	DocAI      DocAIConfig                `yaml:"docai" mapstructure:"docai"`
	Anthropic  AnthropicConfig            `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce SalesforceConfig           `yaml:"salesforce" mapstructure:"salesforce"`
	Notion     NotionConfig               `yaml:"notion" mapstructure:"notion"`
	Mailer     MailerConfig               `yaml:"mailer" mapstructure:"mailer"`
	Webhook    WebhookConfig              `yaml:"webhook" mapstructure:"webhook"`
	Inbox      InboxConfig                `yaml:"inbox" mapstructure:"inbox"`
	Server     ServerConfig               `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig           `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig                  `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// RedisConfig configures the shared idempotency ledger. An empty URL keeps
// the ledger in process.
type RedisConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Password    string `yaml:"password" mapstructure:"password"`
	LedgerTTLHr int    `yaml:"ledger_ttl_hours" mapstructure:"ledger_ttl_hours"`
}

// QueueConfig configures the durable retry queue.
type QueueConfig struct {
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxAgeHours       int     `yaml:"max_age_hours" mapstructure:"max_age_hours"`
	BaseDelaySecs     int     `yaml:"base_delay_secs" mapstructure:"base_delay_secs"`
	MaxDelaySecs      int     `yaml:"max_delay_secs" mapstructure:"max_delay_secs"`
	Jitter            float64 `yaml:"jitter" mapstructure:"jitter"`
	SweepIntervalSecs int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	BatchSize         int     `yaml:"batch_size" mapstructure:"batch_size"`
	LeaseSecs         int     `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	ChainsFile       string        `yaml:"chains_file" mapstructure:"chains_file"`
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	AcquireTimeoutMs int           `yaml:"acquire_timeout_ms" mapstructure:"acquire_timeout_ms"`
	Retry            RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit          CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig is the default per-provider retry policy.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Jitter      float64 `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int  `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RateLimitConfig is a provider quota: Capacity calls per WindowSecs and at
// most MaxInFlight concurrent calls. Zero values mean unlimited.
type RateLimitConfig struct {
	Capacity    int `yaml:"capacity" mapstructure:"capacity"`
	WindowSecs  int `yaml:"window_secs" mapstructure:"window_secs"`
	MaxInFlight int `yaml:"max_in_flight" mapstructure:"max_in_flight"`
}

// DocAIConfig holds the document extraction vendor settings.
type DocAIConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
	Object   string `yaml:"object" mapstructure:"object"`
}

// NotionConfig holds Notion API credentials and the invoice database ID.
type NotionConfig struct {
	Token     string `yaml:"token" mapstructure:"token"`
	InvoiceDB string `yaml:"invoice_db" mapstructure:"invoice_db"`
}

// MailerConfig holds the transactional email API settings.
type MailerConfig struct {
	Key     string   `yaml:"key" mapstructure:"key"`
	BaseURL string   `yaml:"base_url" mapstructure:"base_url"`
	From    string   `yaml:"from" mapstructure:"from"`
	To      []string `yaml:"to" mapstructure:"to"`
}

// WebhookConfig holds the notification webhook settings.
type WebhookConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// InboxConfig holds the FTP inbox settings used by ingest.
type InboxConfig struct {
	Host        string `yaml:"host" mapstructure:"host"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	ArchiveDir  string `yaml:"archive_dir" mapstructure:"archive_dir"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures health checks and alert delivery.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	QueueDepthThreshold int    `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	DeadLetterThreshold int    `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	AlertOnDeadLetter   bool   `yaml:"alert_on_dead_letter" mapstructure:"alert_on_dead_letter"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// defaultRateLimits are the built-in provider quotas.
var defaultRateLimits = map[string]RateLimitConfig{
	"docai":          {Capacity: 120, WindowSecs: 60, MaxInFlight: 8},
	"claude_extract": {Capacity: 50, WindowSecs: 60, MaxInFlight: 4},
	"claude_analyze": {Capacity: 50, WindowSecs: 60, MaxInFlight: 4},
	"local":          {},
	"salesforce":     {Capacity: 100, WindowSecs: 60, MaxInFlight: 4},
	"notion":         {Capacity: 3, WindowSecs: 1, MaxInFlight: 3},
	"mailer":         {Capacity: 60, WindowSecs: 60, MaxInFlight: 4},
	"webhook":        {Capacity: 300, WindowSecs: 60, MaxInFlight: 8},
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "invoice.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("redis.ledger_ttl_hours", 168)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.max_age_hours", 72)
	v.SetDefault("queue.base_delay_secs", 30)
	v.SetDefault("queue.max_delay_secs", 3600)
	v.SetDefault("queue.jitter", 0.5)
	v.SetDefault("queue.sweep_interval_secs", 15)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.lease_secs", 300)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.acquire_timeout_ms", 5000)
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.base_delay_ms", 500)
	v.SetDefault("pipeline.retry.max_delay_ms", 30000)
	v.SetDefault("pipeline.retry.jitter", 0.5)
	v.SetDefault("pipeline.circuit.enabled", true)
	v.SetDefault("pipeline.circuit.failure_threshold", 5)
	v.SetDefault("pipeline.circuit.reset_timeout_secs", 30)
	for name, rl := range defaultRateLimits {
		v.SetDefault("rate_limits."+name+".capacity", rl.Capacity)
		v.SetDefault("rate_limits."+name+".window_secs", rl.WindowSecs)
		v.SetDefault("rate_limits."+name+".max_in_flight", rl.MaxInFlight)
	}
	v.SetDefault("docai.base_url", "https://api.docai.dev/v1")
	v.SetDefault("docai.timeout_secs", 60)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.object", "Invoice__c")
	v.SetDefault("mailer.base_url", "https://api.postmarkapp.com")
	v.SetDefault("inbox.dir", "/inbox")
	v.SetDefault("inbox.archive_dir", "/inbox/processed")
	v.SetDefault("inbox.timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.queue_depth_threshold", 100)
	v.SetDefault("monitoring.dead_letter_threshold", 1)
	v.SetDefault("monitoring.alert_on_dead_letter", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "process", "serve" and "ingest". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "process", "serve", "ingest":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be >= 1")
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter > 1 {
		errs = append(errs, "queue.jitter must be between 0 and 1")
	}
	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
		errs = append(errs, "pipeline.workers must be between 1 and 64")
	}
	names := make([]string, 0, len(c.RateLimits))
	for name := range c.RateLimits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rl := c.RateLimits[name]
		if rl.Capacity < 0 || rl.WindowSecs < 0 || rl.MaxInFlight < 0 {
			errs = append(errs, fmt.Sprintf("rate_limits.%s values must be >= 0", name))
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "ingest":
		if c.Inbox.Host == "" {
			errs = append(errs, "inbox.host is required")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RateLimit returns the configured quota for a provider, or the zero
// (unlimited) quota.
func (c *Config) RateLimit(provider string) RateLimitConfig {
	return c.RateLimits[provider]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
