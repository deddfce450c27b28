package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/clarifier/internal/archive"
	"github.com/Kocoro-lab/clarifier/internal/circuitbreaker"
	"github.com/Kocoro-lab/clarifier/internal/ports/llm"
	"github.com/Kocoro-lab/clarifier/internal/ports/search"
	"github.com/Kocoro-lab/clarifier/internal/ratecontrol"
	"github.com/Kocoro-lab/clarifier/internal/session"
	"github.com/Kocoro-lab/clarifier/internal/tracing"
	"github.com/Kocoro-lab/clarifier/internal/workflow"
)

const (
	envPrefix   = "CLARIFIER"
	envPath     = "CLARIFIER_CONFIG"
	defaultPath = "./config/clarifier.yaml"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type StoreConfig struct {
	Backend         string               `mapstructure:"backend"`
	JanitorInterval time.Duration        `mapstructure:"janitor_interval"`
	Redis           session.RedisOptions `mapstructure:"redis"`
}

type KeywordsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path to a keyword file; blank uses the built-in keywords
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type SearchConfig struct {
	search.Config `mapstructure:",squash"`
	// SharedCache keeps search results in the Redis store as well, when it is used
	SharedCache bool `mapstructure:"shared_cache"`
}

type MetricsConfig struct {
	CollectionInterval time.Duration `mapstructure:"collection_interval"`
}

// Config is the complete service configuration
type Config struct {
	Server          ServerConfig                                   `mapstructure:"server"`
	Logging         LoggingConfig                                  `mapstructure:"logging"`
	Store           StoreConfig                                    `mapstructure:"store"`
	Workflow        workflow.Config                                `mapstructure:"workflow"`
	LLM             llm.Config                                     `mapstructure:"llm"`
	Search          SearchConfig                                   `mapstructure:"search"`
	Keywords        KeywordsConfig                                 `mapstructure:"keywords"`
	RateLimit       ratecontrol.Config                             `mapstructure:"rate_limit"`
	CircuitBreakers map[string]circuitbreaker.CircuitBreakerConfig `mapstructure:"circuit_breakers"`
	Tracing         tracing.Config                                 `mapstructure:"tracing"`
	Archive         archive.Config                                 `mapstructure:"archive"`
	Metrics         MetricsConfig                                  `mapstructure:"metrics"`
}

// Load reads the file named by CLARIFIER_CONFIG, or ./config/clarifier.yaml when it
// exists, and applies CLARIFIER_* environment overrides on top of the defaults
func Load() (*Config, error) {
	path := os.Getenv(envPath)
	if path == "" {
		if _, err := os.Stat(defaultPath); err == nil {
			path = defaultPath
		}
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path; a blank path uses defaults and environment only
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional provider variables work too
	_ = v.BindEnv("llm.api_key", envPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.base_url", envPrefix+"_LLM_BASE_URL", "OPENAI_BASE_URL")
	_ = v.BindEnv("search.api_key", envPrefix+"_SEARCH_API_KEY", "TAVILY_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	wf := workflow.DefaultConfig()

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.request_timeout", 4*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.janitor_interval", time.Minute)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "conversation")
	v.SetDefault("store.redis.lock_ttl", 5*time.Minute)

	v.SetDefault("workflow.max_refinement_rounds", wf.MaxRefinementRounds)
	v.SetDefault("workflow.max_clarification_rounds", wf.MaxClarificationRounds)
	v.SetDefault("workflow.suspended_ttl", wf.SuspendedTTL)
	v.SetDefault("workflow.completed_retention", wf.CompletedRetention)
	v.SetDefault("workflow.stage_timeout", wf.StageTimeout)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.classifier_model", "")
	v.SetDefault("llm.temperature", 0)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.search_disambiguation", true)

	v.SetDefault("search.api_key", "")
	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.search_depth", "advanced")
	v.SetDefault("search.cache_ttl", 10*time.Minute)
	v.SetDefault("search.cache_size", 256)
	v.SetDefault("search.shared_cache", false)

	v.SetDefault("keywords.enabled", true)
	v.SetDefault("keywords.path", "")
	v.SetDefault("keywords.watch", false)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default.rpm", 0)
	v.SetDefault("rate_limit.default.burst", 0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "clarifier")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "sqlite3")
	v.SetDefault("archive.dsn", "")

	v.SetDefault("metrics.collection_interval", 10*time.Second)
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Store.Backend))
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
	}
	// A lease shorter than a request could lapse between renewals of a stalled holder
	if c.Store.Backend == BackendRedis && c.Server.RequestTimeout > 0 && c.Store.Redis.LockTTL <= c.Server.RequestTimeout {
		errs = append(errs, fmt.Errorf("store.redis.lock_ttl (%s) must exceed server.request_timeout (%s)",
			c.Store.Redis.LockTTL, c.Server.RequestTimeout))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Archive.Enabled {
		switch c.Archive.Driver {
		case "sqlite3", "postgres":
		default:
			errs = append(errs, fmt.Errorf("archive.driver must be sqlite3 or postgres, got %q", c.Archive.Driver))
		}
		if c.Archive.Driver == "postgres" && c.Archive.DSN == "" {
			errs = append(errs, errors.New("archive.dsn is required for postgres"))
		}
	}

	for kind := range c.CircuitBreakers {
		switch circuitbreaker.Kind(kind) {
		case circuitbreaker.KindRedis, circuitbreaker.KindDatabase, circuitbreaker.KindHTTP, circuitbreaker.KindLLM:
		default:
			errs = append(errs, fmt.Errorf("unknown circuit breaker kind %q", kind))
		}
	}

	if c.Workflow.MaxRefinementRounds < 0 || c.Workflow.MaxClarificationRounds < 0 {
		errs = append(errs, errors.New("workflow round limits must not be negative"))
	}
	return errors.Join(errs...)
}

// ApplyCircuitBreakers installs the configured breaker overrides. Call it before any
// wrapped client is created.
func (c *Config) ApplyCircuitBreakers() {
	for kind, cb := range c.CircuitBreakers {
		circuitbreaker.Configure(circuitbreaker.Kind(kind), cb)
	}
}
