package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Wayback    WaybackConfig    `yaml:"wayback" mapstructure:"wayback"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EnrichConfig holds the per-run orchestration controls. Values are read
// once at startup and never change during a run.
type EnrichConfig struct {
	PlanPath             string  `yaml:"plan_path" mapstructure:"plan_path"`
	NoCache              bool    `yaml:"no_cache" mapstructure:"no_cache"`
	MaxCostPerSubject    float64 `yaml:"max_cost_per_subject" mapstructure:"max_cost_per_subject"`
	MaxCostPerBatch      float64 `yaml:"max_cost_per_batch" mapstructure:"max_cost_per_batch"`
	EarlyStopCount       int     `yaml:"early_stop_count" mapstructure:"early_stop_count"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	RequireReliability   bool    `yaml:"require_reliability" mapstructure:"require_reliability"`
	ReliabilityThreshold float64 `yaml:"reliability_threshold" mapstructure:"reliability_threshold"`
	InterSubjectDelayMs  int     `yaml:"inter_subject_delay_ms" mapstructure:"inter_subject_delay_ms"`
}

// SourcesConfig configures shared source behavior.
type SourcesConfig struct {
	TimeoutSecs            int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	LowPriorityTimeoutSecs int    `yaml:"low_priority_timeout_secs" mapstructure:"low_priority_timeout_secs"`
	MinDelayMs             int    `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	UserAgent              string `yaml:"user_agent" mapstructure:"user_agent"`
	Fallback               string `yaml:"fallback" mapstructure:"fallback"`
}

// BatchConfig configures the resumable batch runner.
type BatchConfig struct {
	CheckpointDir          string `yaml:"checkpoint_dir" mapstructure:"checkpoint_dir"`
	CheckpointEvery        int    `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
	PollIntervalSecs       int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutMins        int    `yaml:"poll_timeout_mins" mapstructure:"poll_timeout_mins"`
}

// RetryConfig configures the failed-lookup retry workflow.
type RetryConfig struct {
	BaseHours   float64 `yaml:"base_hours" mapstructure:"base_hours"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	Model        string `yaml:"model" mapstructure:"model"`
	MaxTokens    int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxBatchSize int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
}

// JinaConfig holds Jina AI settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// FirecrawlConfig holds Firecrawl API settings (archive fallback only).
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// WaybackConfig holds Internet Archive snapshot settings.
type WaybackConfig struct {
	AvailabilityURL string `yaml:"availability_url" mapstructure:"availability_url"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaPricing             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// JinaPricing holds Jina pricing.
type JinaPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
	PerMTok  float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("OBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "obit.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("enrich.plan_path", "configs/sources.yaml")
	v.SetDefault("enrich.no_cache", false)
	v.SetDefault("enrich.max_cost_per_subject", 0.50)
	v.SetDefault("enrich.max_cost_per_batch", 10.00)
	v.SetDefault("enrich.early_stop_count", 3)
	v.SetDefault("enrich.confidence_threshold", 0.5)
	v.SetDefault("enrich.require_reliability", false)
	v.SetDefault("enrich.reliability_threshold", 0.6)
	v.SetDefault("enrich.inter_subject_delay_ms", 1000)
	v.SetDefault("sources.timeout_secs", 30)
	v.SetDefault("sources.low_priority_timeout_secs", 10)
	v.SetDefault("sources.min_delay_ms", 1000)
	v.SetDefault("sources.user_agent", "obit-cli/1.0 (+https://github.com/sells-group/obit-cli)")
	v.SetDefault("sources.fallback", "wayback")
	v.SetDefault("batch.checkpoint_dir", ".checkpoints")
	v.SetDefault("batch.checkpoint_every", 10)
	v.SetDefault("batch.max_consecutive_failures", 10)
	v.SetDefault("batch.poll_interval_secs", 30)
	v.SetDefault("batch.poll_timeout_mins", 24*60)
	v.SetDefault("retry.base_hours", 1.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.max_batch_size", 100)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("wayback.availability_url", "https://archive.org/wayback/available")
	v.SetDefault("pricing.jina.per_query", 0.01)
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.perplexity.per_query", 0.005)

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

// Validate checks the configuration required by a command mode.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "enrich", "batch":
		errs = append(errs, c.validateEnrich()...)
		errs = append(errs, c.validateStore()...)
		if mode == "batch" {
			if c.Batch.MaxConsecutiveFailures < 1 {
				errs = append(errs, "batch.max_consecutive_failures must be >= 1")
			}
			if c.Batch.CheckpointEvery < 1 {
				errs = append(errs, "batch.checkpoint_every must be >= 1")
			}
		}
	case "synthesize":
		errs = append(errs, c.validateStore()...)
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "retry", "cache":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateEnrich() []string {
	var errs []string
	e := c.Enrich
	if e.EarlyStopCount < 1 {
		errs = append(errs, "enrich.early_stop_count must be >= 1")
	}
	if e.ConfidenceThreshold < 0 || e.ConfidenceThreshold > 1 {
		errs = append(errs, "enrich.confidence_threshold must be between 0 and 1")
	}
	if e.ReliabilityThreshold < 0 || e.ReliabilityThreshold > 1 {
		errs = append(errs, "enrich.reliability_threshold must be between 0 and 1")
	}
	if e.MaxCostPerSubject < 0 || e.MaxCostPerBatch < 0 {
		errs = append(errs, "enrich cost ceilings must be >= 0")
	}
	return errs
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
