package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clarifier_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers by breaker state and result",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clarifier_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clarifier_circuit_breaker_open_since_seconds",
			Help: "Unix time the circuit breaker opened, 0 when not open",
		},
		[]string{"name", "service"},
	)
)

// breakerKey is the label pair a breaker is published under
type breakerKey struct {
	name    string
	service string
}

// tracked holds every breaker built by a wrapper so their state gauges can be refreshed
var tracked = struct {
	sync.RWMutex
	breakers map[breakerKey]*CircuitBreaker
}{breakers: make(map[breakerKey]*CircuitBreaker)}

// newTrackedBreaker builds a breaker whose transitions and state are exported under
// name and service. A later breaker with the same labels replaces the earlier one.
func newTrackedBreaker(name, service string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	key := breakerKey{name: name, service: service}
	next := cfg.OnStateChange
	cfg.OnStateChange = func(cbName string, from, to State) {
		if next != nil {
			next(cbName, from, to)
		}
		breakerTransitions.WithLabelValues(key.name, key.service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(key.name, key.service).Set(float64(to))
		switch {
		case to == StateOpen:
			breakerOpenSince.WithLabelValues(key.name, key.service).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenSince.WithLabelValues(key.name, key.service).Set(0)
		}
	}

	cb := NewCircuitBreaker(name, cfg, logger)
	breakerState.WithLabelValues(name, service).Set(float64(StateClosed))

	tracked.Lock()
	tracked.breakers[key] = cb
	tracked.Unlock()
	return cb
}

// recordRequest counts one call made through a tracked breaker
func recordRequest(name, service string, cb *CircuitBreaker, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, cb.State().String(), result).Inc()
}

// refreshStates republishes every tracked breaker's state. Cool-downs end without a
// call, so the gauge would otherwise stay at open.
func refreshStates() {
	tracked.RLock()
	defer tracked.RUnlock()
	for key, cb := range tracked.breakers {
		breakerState.WithLabelValues(key.name, key.service).Set(float64(cb.State()))
	}
}

// StartMetricsCollection refreshes breaker state gauges every interval until ctx is done
func StartMetricsCollection(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshStates()
			}
		}
	}()
}
