package circuitbreaker

import (
	"sync"
	"time"
)

// Kind names a family of downstream dependencies sharing breaker settings
type Kind string

const (
	KindRedis    Kind = "redis"
	KindDatabase Kind = "database"
	KindHTTP     Kind = "http"
	KindLLM      Kind = "llm"
)

// CircuitBreakerConfig represents configuration for a circuit breaker
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

var (
	configMu sync.RWMutex
	configs  = map[Kind]CircuitBreakerConfig{
		KindRedis: {
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          15 * time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		KindDatabase: {
			MaxRequests:      3,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
		},
		KindHTTP: {
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          15 * time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		// LLM calls are slow and bursty, so tolerate more failures before opening
		KindLLM: {
			MaxRequests:      3,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 1,
		},
	}
)

// Configure overrides the settings for kind. Zero fields keep the current value.
// Breakers created before the call are not affected.
func Configure(kind Kind, cfg CircuitBreakerConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	cur := configs[kind]
	if cfg.MaxRequests > 0 {
		cur.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cur.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cur.Timeout = cfg.Timeout
	}
	if cfg.FailureThreshold > 0 {
		cur.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.SuccessThreshold > 0 {
		cur.SuccessThreshold = cfg.SuccessThreshold
	}
	configs[kind] = cur
}

// ConfigFor returns the settings for kind, falling back to library defaults
func ConfigFor(kind Kind) CircuitBreakerConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if cfg, ok := configs[kind]; ok {
		return cfg
	}
	d := DefaultConfig()
	return CircuitBreakerConfig{
		MaxRequests:      d.MaxRequests,
		Interval:         d.Interval,
		Timeout:          d.Timeout,
		FailureThreshold: d.FailureThreshold,
		SuccessThreshold: d.SuccessThreshold,
	}
}

// GetRedisConfig returns the Redis circuit breaker configuration
func GetRedisConfig() CircuitBreakerConfig { return ConfigFor(KindRedis) }

// GetDatabaseConfig returns the archive database circuit breaker configuration
func GetDatabaseConfig() CircuitBreakerConfig { return ConfigFor(KindDatabase) }

// GetHTTPConfig returns the HTTP circuit breaker configuration
func GetHTTPConfig() CircuitBreakerConfig { return ConfigFor(KindHTTP) }

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
	}
}
