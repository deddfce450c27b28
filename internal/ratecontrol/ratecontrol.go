package ratecontrol

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/clarifier/internal/metrics"
)

// RateLimit is a requests-per-minute budget with an optional burst
type RateLimit struct {
	RPM   int `mapstructure:"rpm"`
	Burst int `mapstructure:"burst"`
}

// Config holds the default limit and per-port overrides
type Config struct {
	Enabled   bool                 `mapstructure:"enabled"`
	Default   RateLimit            `mapstructure:"default"`
	Overrides map[string]RateLimit `mapstructure:"overrides"`
}

var builtInPortLimits = map[string]RateLimit{
	"openai": {RPM: 60, Burst: 5},
	"tavily": {RPM: 30, Burst: 3},
}

// Limiters hands out one token bucket per port name
type Limiters struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
}

// New creates limiters from cfg. A disabled config never blocks.
func New(cfg Config) *Limiters {
	overrides := make(map[string]RateLimit, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		overrides[normalize(k)] = v
	}
	cfg.Overrides = overrides
	return &Limiters{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// LimitFor returns the effective limit for port
func (l *Limiters) LimitFor(port string) RateLimit {
	port = normalize(port)
	limit := l.cfg.Default
	if builtIn, ok := builtInPortLimits[port]; ok {
		limit = CombineLimits(limit, builtIn)
	}
	if override, ok := l.cfg.Overrides[port]; ok {
		if override.RPM > 0 {
			limit.RPM = override.RPM
		}
		if override.Burst > 0 {
			limit.Burst = override.Burst
		}
	}
	return limit
}

// Wait blocks until port may issue one request or ctx is done
func (l *Limiters) Wait(ctx context.Context, port string) error {
	if l == nil || !l.cfg.Enabled {
		return nil
	}
	lim := l.limiter(port)
	started := time.Now()
	err := lim.Wait(ctx)
	metrics.RateLimitWaits.WithLabelValues(normalize(port)).Observe(time.Since(started).Seconds())
	return err
}

func (l *Limiters) limiter(port string) *rate.Limiter {
	port = normalize(port)
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[port]; ok {
		return lim
	}
	lim := newLimiter(l.LimitFor(port))
	l.limiters[port] = lim
	return lim
}

func newLimiter(limit RateLimit) *rate.Limiter {
	if limit.RPM <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit.RPM)), burst)
}

// CombineLimits keeps the stricter positive value of each field
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.Burst = minPositive(a.Burst, b.Burst)
	return limit
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

func normalize(port string) string {
	return strings.ToLower(strings.TrimSpace(port))
}
