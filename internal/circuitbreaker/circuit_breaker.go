// Package circuitbreaker guards clarifier's downstream dependencies (OpenAI, Tavily,
// Redis and the archive database) so an outage fails fast instead of stalling every
// conversation stage behind it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is where a breaker sits in its closed, open, half-open cycle
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	// ErrCircuitBreakerOpen is returned without calling the dependency while the breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when every half-open trial slot is taken
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes a single breaker
type Config struct {
	MaxRequests      uint32        // trial calls admitted while half-open
	Interval         time.Duration // closed-state window after which streaks reset; zero never resets
	Timeout          time.Duration // cool-down before an open breaker admits a trial
	FailureThreshold uint32        // consecutive failures that open a closed breaker
	SuccessThreshold uint32        // consecutive trial successes that close a half-open breaker

	// IsSuccessful classifies a call result. Nil counts a nil error or a caller
	// cancellation as success.
	IsSuccessful func(err error) bool

	// OnStateChange runs with the breaker locked; it must not call back into it
	OnStateChange func(name string, from, to State)
}

// DefaultConfig is used for kinds without their own settings
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// A conversation abandoned by its caller says nothing about the dependency
func defaultIsSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// CircuitBreaker counts consecutive results of calls to one dependency
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
	// epoch changes on every transition and window reset; results admitted in an
	// older epoch are ignored
	epoch      uint64
	admitted   uint32
	failStreak uint32
	okStreak   uint32
	// deadline ends the closed window or the open cool-down
	deadline time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = defaultIsSuccessful
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{name: name, cfg: cfg, logger: logger, now: time.Now}
	cb.resetWindow(cb.now())
	return cb
}

// Execute runs fn unless the breaker rejects it. A call whose context is already
// done is neither attempted nor counted. A panic in fn counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	ok := false
	defer func() { cb.settle(epoch, ok) }()
	err = fn()
	ok = cb.cfg.IsSuccessful(err)
	return err
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. An open breaker whose cool-down has passed
// reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(cb.now())
	return cb.state
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.now())
	switch cb.state {
	case StateOpen:
		return cb.epoch, ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.admitted >= cb.cfg.MaxRequests {
			return cb.epoch, ErrTooManyRequests
		}
	}
	cb.admitted++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.advance(now)
	if epoch != cb.epoch {
		return
	}

	if ok {
		cb.failStreak = 0
		cb.okStreak++
		if cb.state == StateHalfOpen && cb.okStreak >= cb.cfg.SuccessThreshold {
			cb.moveTo(StateClosed, now)
		}
		return
	}
	cb.okStreak = 0
	cb.failStreak++
	if cb.state == StateHalfOpen || cb.failStreak >= cb.cfg.FailureThreshold {
		cb.moveTo(StateOpen, now)
	}
}

// advance applies time-driven changes: the closed window rolling over and the
// open cool-down ending
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.deadline.IsZero() && now.After(cb.deadline) {
			cb.resetWindow(now)
		}
	case StateOpen:
		if !now.Before(cb.deadline) {
			cb.moveTo(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) moveTo(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.resetWindow(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	log := cb.logger.Info
	if to == StateOpen {
		log = cb.logger.Warn
	}
	log("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (cb *CircuitBreaker) resetWindow(now time.Time) {
	cb.epoch++
	cb.admitted, cb.failStreak, cb.okStreak = 0, 0, 0

	switch cb.state {
	case StateClosed:
		cb.deadline = time.Time{}
		if cb.cfg.Interval > 0 {
			cb.deadline = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	default:
		cb.deadline = time.Time{}
	}
}
