package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/config"
	"github.com/sells-group/invoice-cli/internal/fallback"
	"github.com/sells-group/invoice-cli/internal/ledger"
	"github.com/sells-group/invoice-cli/internal/metrics"
	"github.com/sells-group/invoice-cli/internal/monitoring"
	"github.com/sells-group/invoice-cli/internal/pipeline"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/providers"
	"github.com/sells-group/invoice-cli/internal/queue"
	"github.com/sells-group/invoice-cli/internal/resilience"
	"github.com/sells-group/invoice-cli/internal/store"
	anthropicpkg "github.com/sells-group/invoice-cli/pkg/anthropic"
	"github.com/sells-group/invoice-cli/pkg/docai"
	"github.com/sells-group/invoice-cli/pkg/mailer"
	"github.com/sells-group/invoice-cli/pkg/notion"
	sfpkg "github.com/sells-group/invoice-cli/pkg/salesforce"
)

// pipelineEnv holds the store, queue and pipeline shared by the
// process/serve/ingest/sweep commands.
type pipelineEnv struct {
	Store    store.Store
	Queue    *queue.Queue
	Pipeline *pipeline.Pipeline
	Registry *provider.Registry
	Checker  *monitoring.Checker
	Breakers *resilience.ProviderBreakers // nil unless circuit breakers are enabled

	closers []func() error
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	pe.closeClients()
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func (pe *pipelineEnv) closeClients() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
	pe.closers = nil
}

// initPipeline opens the store, builds the vendor clients and wires the
// pipeline for the given command mode. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	clients, err := initClients()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	env, err := newPipelineEnv(ctx, cfg, st, clients)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// newPipelineEnv wires registry, limiter, breakers, chains, ledger, queue
// and pipeline around an opened store.
func newPipelineEnv(ctx context.Context, c *config.Config, st store.Store, clients providers.Clients) (*pipelineEnv, error) {
	env := &pipelineEnv{Store: st}

	env.Registry = providers.NewRegistry(c, clients)
	limiter := resilience.NewLimiter(env.Registry.Policies())

	var breakers *resilience.ProviderBreakers
	if c.Pipeline.Circuit.Enabled {
		breakers = resilience.NewProviderBreakers(
			resilience.FromCircuitConfig(c.Pipeline.Circuit.FailureThreshold, c.Pipeline.Circuit.ResetTimeoutSecs),
			func(name string, from, to resilience.CircuitState) {
				metrics.CircuitState.WithLabelValues(name).Set(float64(to))
				zap.L().Warn("circuit state changed",
					zap.String("provider", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		)
	}

	env.Breakers = breakers

	chainCfg, err := loadChains(c.Pipeline)
	if err != nil {
		return nil, err
	}
	chains, err := fallback.Build(chainCfg, env.Registry, limiter, breakers)
	if err != nil {
		return nil, err
	}

	var led ledger.Ledger = ledger.NewMemory()
	if c.Redis.URL != "" {
		r, err := ledger.NewRedis(ctx, ledger.RedisConfig{
			URL:      c.Redis.URL,
			Password: c.Redis.Password,
			TTL:      time.Duration(c.Redis.LedgerTTLHr) * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, r.Close)
		led = r
		zap.L().Info("idempotency ledger using redis")
	}

	alerter := monitoring.NewAlerter(c.Monitoring)
	env.Queue = queue.New(st, queueConfig(c.Queue), queue.WithAlerter(alerter))
	env.Checker = monitoring.NewChecker(monitoring.NewCollector(st), alerter, c.Monitoring)

	env.Pipeline, err = pipeline.New(chains, env.Queue, st,
		pipeline.WithLedger(led),
		pipeline.WithWorkers(c.Pipeline.Workers),
		pipeline.WithBaseContext(ctx),
	)
	if err != nil {
		env.closeClients()
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.Strings("providers", env.Registry.List()),
		zap.Bool("circuit_breakers", breakers != nil),
	)
	return env, nil
}

// loadChains reads the chain topology file, or applies the configured retry
// and acquire defaults to the built-in topology.
func loadChains(pc config.PipelineConfig) (*fallback.Config, error) {
	if pc.ChainsFile != "" {
		return fallback.LoadConfig(pc.ChainsFile)
	}

	chains := fallback.DefaultChains()
	r := pc.Retry
	if r.MaxAttempts > 0 {
		chains.Defaults.Retry.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelayMs > 0 {
		chains.Defaults.Retry.BaseDelay = time.Duration(r.BaseDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		chains.Defaults.Retry.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	jitter := r.Jitter
	chains.Defaults.Retry.Jitter = &jitter

	if pc.AcquireTimeoutMs > 0 {
		acquire := time.Duration(pc.AcquireTimeoutMs) * time.Millisecond
		chains.Defaults.AcquireTimeout = acquire
		for stage, sc := range chains.Stages {
			sc.AcquireTimeout = acquire
			chains.Stages[stage] = sc
		}
	}
	return chains, nil
}

func queueConfig(qc config.QueueConfig) queue.Config {
	return queue.Config{
		MaxAttempts:   qc.MaxAttempts,
		MaxAge:        time.Duration(qc.MaxAgeHours) * time.Hour,
		BaseDelay:     time.Duration(qc.BaseDelaySecs) * time.Second,
		MaxDelay:      time.Duration(qc.MaxDelaySecs) * time.Second,
		Jitter:        qc.Jitter,
		SweepInterval: time.Duration(qc.SweepIntervalSecs) * time.Second,
		BatchSize:     qc.BatchSize,
		Lease:         time.Duration(qc.LeaseSecs) * time.Second,
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initClients builds a client for every vendor with credentials. Vendors
// without credentials stay nil and their providers fall through.
func initClients() (providers.Clients, error) {
	clients := providers.Clients{
		Webhook: monitoring.NewWebhook(10 * time.Second),
	}

	if cfg.DocAI.Key != "" {
		timeout := time.Duration(cfg.DocAI.TimeoutSecs) * time.Second
		clients.DocAI = docai.NewClient(cfg.DocAI.Key,
			docai.WithBaseURL(cfg.DocAI.BaseURL),
			docai.WithHTTPClient(&http.Client{Timeout: timeout}),
		)
	} else {
		zap.L().Debug("INVOICE_DOCAI_KEY not set, docai provider disabled")
	}

	if cfg.Anthropic.Key != "" {
		clients.Anthropic = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Debug("INVOICE_ANTHROPIC_KEY not set, claude providers disabled")
	}

	if cfg.Salesforce.ClientID != "" {
		sf, err := initSalesforce()
		if err != nil {
			return clients, err
		}
		clients.Salesforce = sf
	} else {
		zap.L().Debug("INVOICE_SALESFORCE_CLIENT_ID not set, salesforce provider disabled")
	}

	if cfg.Notion.Token != "" {
		clients.Notion = notion.NewClient(cfg.Notion.Token)
	}

	if cfg.Mailer.Key != "" {
		clients.Mailer = mailer.NewClient(cfg.Mailer.Key, mailer.WithBaseURL(cfg.Mailer.BaseURL))
	}

	return clients, nil
}

func initSalesforce() (sfpkg.Client, error) {
	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf), nil
}
