// Package config provides configuration management for the Briefcast research core.
//
// Configuration is loaded from multiple sources with proper precedence:
//  1. Default values
//  2. Configuration file (./config.yaml, ./configs/config.yaml, /etc/briefcast/config.yaml)
//  3. .env file
//  4. Environment variables with the BRIEFCAST_ prefix
//
// Secrets (API keys, store credentials) are expected to arrive via environment
// variables only; the config file carries tuning knobs and endpoints.
//
// Example:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("search provider: %s\n", cfg.Search.Provider)
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides
// (e.g. BRIEFCAST_CACHE_REDIS_HOST).
const EnvPrefix = "BRIEFCAST"

// ServerConfig contains the admin HTTP server settings.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8090)
	Port int `mapstructure:"port"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging on the admin server
	Debug bool `mapstructure:"debug"`
}

// RedisConfig contains the cache store connection settings. The same Redis
// instance backs the search cache, the dedup index, and the job queue.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port address for the Redis client.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SearchResultsCacheConfig tunes the search result cache TTLs.
type SearchResultsCacheConfig struct {
	// BaseTTL is the TTL in seconds for ordinary cache entries
	BaseTTL int `mapstructure:"base_ttl"`

	// PopularTTL is the TTL in seconds for entries past the popularity threshold
	PopularTTL int `mapstructure:"popular_ttl"`

	// TTLJitter is the multiplicative jitter fraction applied to every TTL
	TTLJitter float64 `mapstructure:"ttl_jitter" validate:"gte=0,lte=1"`

	// PopularThreshold is the hit count at which an entry is considered popular
	PopularThreshold int `mapstructure:"popular_threshold" validate:"gte=1"`
}

// CacheConfig contains cache store settings.
type CacheConfig struct {
	Enabled       bool                     `mapstructure:"enabled"`
	Redis         RedisConfig              `mapstructure:"redis"`
	SearchResults SearchResultsCacheConfig `mapstructure:"search_results"`
}

// DedupConfig tunes semantic query deduplication.
type DedupConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" validate:"gt=0,lte=1"`
	WindowHours         int     `mapstructure:"window_hours" validate:"gte=1"`
}

// SearchConfig selects and tunes the search provider layer.
type SearchConfig struct {
	// Provider selects the active search abstraction: serper, brave, or multi
	Provider string `mapstructure:"provider" validate:"oneof=serper brave multi"`

	// SerperAPIKey and BraveAPIKey arrive via environment only
	SerperAPIKey string `mapstructure:"serper_api_key"`
	BraveAPIKey  string `mapstructure:"brave_api_key"`

	// FailureThreshold is the consecutive-failure count that trips a provider
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=1"`

	// RecoveryTimeout is how long a tripped provider stays out of rotation
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`

	// Timeout bounds each outbound search request
	Timeout time.Duration `mapstructure:"timeout"`
}

// ModelConfig configures one LLM pipeline stage.
type ModelConfig struct {
	Model          string  `mapstructure:"model" validate:"required"`
	Temperature    float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	ResponseFormat string  `mapstructure:"response_format" validate:"omitempty,oneof=text json_object"`
}

// ModelsConfig holds the per-stage model selection.
type ModelsConfig struct {
	QueryGeneration     ModelConfig `mapstructure:"query_generation"`
	SearchFiltering     ModelConfig `mapstructure:"search_filtering"`
	RelevancyAnalysis   ModelConfig `mapstructure:"relevancy_analysis"`
	CrossSourceAnalysis ModelConfig `mapstructure:"cross_source_analysis"`
	ReportCompilation   ModelConfig `mapstructure:"report_compilation"`
	ReportSummary       ModelConfig `mapstructure:"report_summary"`
}

// LLMConfig contains the LLM endpoint settings. The API is OpenAI-compatible.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// PipelineConfig contains the research pipeline tuning knobs.
type PipelineConfig struct {
	MaxIterations       int `mapstructure:"max_iterations" validate:"gte=1"`
	QueriesPerIteration int `mapstructure:"queries_per_iteration" validate:"gte=1,lte=20"`
	ResultsPerQuery     int `mapstructure:"results_per_query" validate:"gte=1,lte=50"`
	RelevancyThreshold  int `mapstructure:"relevancy_threshold" validate:"gte=0,lte=100"`
	MinResults          int `mapstructure:"min_results" validate:"gte=0"`
	MaxResults          int `mapstructure:"max_results" validate:"gte=1"`

	// FetchConcurrency bounds parallel content extraction
	FetchConcurrency int `mapstructure:"fetch_concurrency" validate:"gte=1,lte=32"`

	// FetchTimeout bounds each content fetch
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// SchedulerConfig contains scheduler tuning.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// TickInterval is the poll interval; at least once per minute
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// CheckWindowMinutes is the pre-run window W
	CheckWindowMinutes int `mapstructure:"check_window_minutes" validate:"gte=1"`

	// RunOnStartup triggers a reconciliation pass immediately at boot
	RunOnStartup bool `mapstructure:"run_on_startup"`

	// RecoveryInterval is the periodic reconciler interval
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`

	// StuckThreshold is how long status=running may persist before reset
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
}

// StoreConfig contains the project document store connection settings.
type StoreConfig struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	Database string `mapstructure:"database" validate:"required"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MailConfig contains the outbound email vendor settings.
type MailConfig struct {
	APIKey      string `mapstructure:"api_key"`
	FromAddress string `mapstructure:"from_address"`
	BaseURL     string `mapstructure:"base_url"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Config is the root configuration for the research core.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Search    SearchConfig    `mapstructure:"search"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Models    ModelsConfig    `mapstructure:"models"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Mail      MailConfig      `mapstructure:"mail"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.search_results.base_ttl", 3600)
	v.SetDefault("cache.search_results.popular_ttl", 21600)
	v.SetDefault("cache.search_results.ttl_jitter", 0.1)
	v.SetDefault("cache.search_results.popular_threshold", 5)

	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.similarity_threshold", 0.85)
	v.SetDefault("dedup.window_hours", 24)

	v.SetDefault("search.provider", "multi")
	// Secrets default to empty so the environment override resolves them.
	v.SetDefault("search.serper_api_key", "")
	v.SetDefault("search.brave_api_key", "")
	v.SetDefault("search.failure_threshold", 3)
	v.SetDefault("search.recovery_timeout", "5m")
	v.SetDefault("search.timeout", "10s")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.timeout", "120s")

	v.SetDefault("models.query_generation.model", "gpt-4o-mini")
	v.SetDefault("models.query_generation.temperature", 0.8)
	v.SetDefault("models.query_generation.response_format", "json_object")
	v.SetDefault("models.search_filtering.model", "gpt-4o-mini")
	v.SetDefault("models.search_filtering.temperature", 0.2)
	v.SetDefault("models.search_filtering.response_format", "json_object")
	v.SetDefault("models.relevancy_analysis.model", "gpt-4o-mini")
	v.SetDefault("models.relevancy_analysis.temperature", 0.2)
	v.SetDefault("models.relevancy_analysis.response_format", "json_object")
	v.SetDefault("models.cross_source_analysis.model", "gpt-4o")
	v.SetDefault("models.cross_source_analysis.temperature", 0.4)
	v.SetDefault("models.cross_source_analysis.response_format", "json_object")
	v.SetDefault("models.report_compilation.model", "gpt-4o")
	v.SetDefault("models.report_compilation.temperature", 0.5)
	v.SetDefault("models.report_compilation.response_format", "json_object")
	v.SetDefault("models.report_summary.model", "gpt-4o-mini")
	v.SetDefault("models.report_summary.temperature", 0.3)
	v.SetDefault("models.report_summary.response_format", "json_object")

	v.SetDefault("pipeline.max_iterations", 1)
	v.SetDefault("pipeline.queries_per_iteration", 5)
	v.SetDefault("pipeline.results_per_query", 10)
	v.SetDefault("pipeline.relevancy_threshold", 60)
	v.SetDefault("pipeline.min_results", 3)
	v.SetDefault("pipeline.max_results", 30)
	v.SetDefault("pipeline.fetch_concurrency", 8)
	v.SetDefault("pipeline.fetch_timeout", "15s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.check_window_minutes", 15)
	v.SetDefault("scheduler.run_on_startup", false)
	v.SetDefault("scheduler.recovery_interval", "10m")
	v.SetDefault("scheduler.stuck_threshold", "5m")

	v.SetDefault("store.url", "http://localhost:5984")
	v.SetDefault("store.database", "briefcast")
	v.SetDefault("store.username", "")
	v.SetDefault("store.password", "")

	v.SetDefault("mail.api_key", "")
	v.SetDefault("mail.from_address", "")
	v.SetDefault("mail.base_url", "https://api.resend.com")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, config.yaml is searched in standard locations.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/briefcast")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Merge .env if present; ignore when missing
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short feature-flag names accepted alongside the prefixed forms.
	_ = v.BindEnv("cache.enabled", "BRIEFCAST_CACHE_ENABLED", "ENABLE_SEARCH_CACHE")
	_ = v.BindEnv("dedup.enabled", "BRIEFCAST_DEDUP_ENABLED", "ENABLE_SEMANTIC_DEDUP")
	_ = v.BindEnv("scheduler.enabled", "BRIEFCAST_SCHEDULER_ENABLED", "SCHEDULER_ENABLED")
	_ = v.BindEnv("scheduler.run_on_startup", "BRIEFCAST_SCHEDULER_RUN_ON_STARTUP", "RUN_ON_STARTUP")
	_ = v.BindEnv("scheduler.check_window_minutes", "BRIEFCAST_SCHEDULER_CHECK_WINDOW_MINUTES", "SCHEDULER_CHECK_WINDOW_MINUTES")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration against the struct validation rules.
// Configuration records are closed: enumerated fields reject unknown values.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Scheduler.TickInterval > time.Minute {
		return fmt.Errorf("scheduler.tick_interval must be at most 1m, got %s", c.Scheduler.TickInterval)
	}
	if c.Dedup.Enabled && !c.Cache.Enabled {
		return fmt.Errorf("dedup.enabled requires cache.enabled")
	}

	return nil
}
