package fallback

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/provider"
	"github.com/sells-group/invoice-cli/internal/resilience"
)

// Config is the chain topology, normally read from chains.yaml.
type Config struct {
	Defaults DefaultConfig               `yaml:"defaults"`
	Stages   map[model.Stage]StageConfig `yaml:"stages"`
}

// DefaultConfig holds settings applied to every stage that does not override them.
type DefaultConfig struct {
	Retry          RetryPolicy   `yaml:"retry"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	Ordering       Ordering      `yaml:"ordering"`
}

// RetryPolicy is the YAML form of resilience.RetryConfig.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      *float64      `yaml:"jitter,omitempty"`
}

// StageConfig lists a stage's providers in priority order.
type StageConfig struct {
	Providers      []ProviderConfig `yaml:"providers"`
	AcquireTimeout time.Duration    `yaml:"acquire_timeout,omitempty"`
	Ordering       Ordering         `yaml:"ordering,omitempty"`
}

// ProviderConfig is one chain entry. Retry overrides the stage default.
type ProviderConfig struct {
	Name  string       `yaml:"name"`
	Retry *RetryPolicy `yaml:"retry,omitempty"`
}

// DefaultChains returns the built-in topology used when no chains.yaml exists.
func DefaultChains() *Config {
	cfg := &Config{
		Stages: map[model.Stage]StageConfig{
			model.StageExtraction:   {Providers: []ProviderConfig{{Name: "docai"}, {Name: "claude_extract"}}},
			model.StageAnalysis:     {Providers: []ProviderConfig{{Name: "claude_analyze"}, {Name: "local"}}},
			model.StageStorage:      {Providers: []ProviderConfig{{Name: "salesforce"}, {Name: "notion"}}},
			model.StageNotification: {Providers: []ProviderConfig{{Name: "mailer"}, {Name: "webhook"}}},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads chain config from a YAML file with a top-level "chains" key.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fallback: read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses chain config YAML.
func ParseConfig(data []byte) (*Config, error) {
	var wrapper struct {
		Chains Config `yaml:"chains"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "fallback: parse config")
	}
	cfg := &wrapper.Chains
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.Retry.MaxAttempts == 0 {
		c.Defaults.Retry.MaxAttempts = 3
	}
	if c.Defaults.Retry.BaseDelay == 0 {
		c.Defaults.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Defaults.Retry.MaxDelay == 0 {
		c.Defaults.Retry.MaxDelay = 30 * time.Second
	}
	if c.Defaults.AcquireTimeout == 0 {
		c.Defaults.AcquireTimeout = 5 * time.Second
	}
	if c.Defaults.Ordering == "" {
		c.Defaults.Ordering = OrderStatic
	}
	for stage, sc := range c.Stages {
		if sc.AcquireTimeout == 0 {
			sc.AcquireTimeout = c.Defaults.AcquireTimeout
		}
		if sc.Ordering == "" {
			sc.Ordering = c.Defaults.Ordering
		}
		c.Stages[stage] = sc
	}
}

// Validate checks stage names, orderings and that every stage has providers.
func (c *Config) Validate() error {
	for _, stage := range model.Stages {
		if len(c.Stages[stage].Providers) == 0 {
			return eris.Errorf("fallback: stage %s has no providers", stage)
		}
	}
	for stage, sc := range c.Stages {
		if !stage.Valid() {
			return eris.Errorf("fallback: unknown stage %q", stage)
		}
		if sc.Ordering != OrderStatic && sc.Ordering != OrderSuccessRate {
			return eris.Errorf("fallback: stage %s: unknown ordering %q", stage, sc.Ordering)
		}
		seen := make(map[string]bool, len(sc.Providers))
		for _, p := range sc.Providers {
			if p.Name == "" {
				return eris.Errorf("fallback: stage %s: provider without name", stage)
			}
			if seen[p.Name] {
				return eris.Errorf("fallback: stage %s: duplicate provider %s", stage, p.Name)
			}
			seen[p.Name] = true
		}
	}
	return nil
}

// RetryFor returns the effective retry config of a provider entry.
func (c *Config) RetryFor(pc ProviderConfig) resilience.RetryConfig {
	rp := c.Defaults.Retry
	if pc.Retry != nil {
		if pc.Retry.MaxAttempts > 0 {
			rp.MaxAttempts = pc.Retry.MaxAttempts
		}
		if pc.Retry.BaseDelay > 0 {
			rp.BaseDelay = pc.Retry.BaseDelay
		}
		if pc.Retry.MaxDelay > 0 {
			rp.MaxDelay = pc.Retry.MaxDelay
		}
		if pc.Retry.Jitter != nil {
			rp.Jitter = pc.Retry.Jitter
		}
	}
	jitter := 0.5
	if rp.Jitter != nil {
		jitter = *rp.Jitter
	}
	return resilience.RetryConfig{
		MaxAttempts:    rp.MaxAttempts,
		BaseDelay:      rp.BaseDelay,
		MaxDelay:       rp.MaxDelay,
		JitterFraction: jitter,
	}
}

// Build creates one chain per stage from the registry. Every named provider
// must be registered and serve the stage it is listed under. The limiter is
// shared by all returned chains; breakers may be nil.
func Build(cfg *Config, reg *provider.Registry, limiter *resilience.Limiter, breakers *resilience.ProviderBreakers) (map[model.Stage]*Chain, error) {
	chains := make(map[model.Stage]*Chain, len(cfg.Stages))
	for stage, sc := range cfg.Stages {
		descs := make([]Descriptor, 0, len(sc.Providers))
		for i, pc := range sc.Providers {
			p := reg.Get(pc.Name)
			if p == nil {
				return nil, eris.Errorf("fallback: stage %s: provider %s not registered", stage, pc.Name)
			}
			if p.Stage() != stage {
				return nil, eris.Errorf("fallback: provider %s serves %s, not %s", pc.Name, p.Stage(), stage)
			}
			descs = append(descs, Descriptor{Provider: p, Priority: i, Retry: cfg.RetryFor(pc)})
		}
		opts := []Option{WithAcquireTimeout(sc.AcquireTimeout), WithOrdering(sc.Ordering)}
		if breakers != nil {
			opts = append(opts, WithBreakers(breakers))
		}
		chains[stage] = New(stage, limiter, descs, opts...)
	}
	return chains, nil
}
