package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/clarifier/internal/circuitbreaker"
)

// RedisHealthChecker checks the Redis conversation store. The store is required to
// serve conversations, so the check is critical.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: "Redis circuit breaker is open",
		}
	}

	start := time.Now()
	err := r.wrapper.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: "Redis ping failed",
		}
	}

	result := CheckResult{
		Status:  StatusHealthy,
		Message: "Redis healthy",
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
	}
	if latency > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	}
	return result
}

// ArchiveDB is the archive surface the checker needs
type ArchiveDB interface {
	Ping(ctx context.Context) error
	Pending() int
	IsCircuitBreakerOpen() bool
}

// ArchiveHealthChecker checks the conversation archive. Archive writes never fail a
// conversation, so an unreachable archive only degrades the service.
type ArchiveHealthChecker struct {
	db      ArchiveDB
	timeout time.Duration
}

// NewArchiveHealthChecker creates an archive health checker
func NewArchiveHealthChecker(db ArchiveDB) *ArchiveHealthChecker {
	return &ArchiveHealthChecker{db: db, timeout: 5 * time.Second}
}

func (a *ArchiveHealthChecker) Name() string           { return "archive" }
func (a *ArchiveHealthChecker) IsCritical() bool       { return false }
func (a *ArchiveHealthChecker) Timeout() time.Duration { return a.timeout }

func (a *ArchiveHealthChecker) Check(ctx context.Context) CheckResult {
	details := map[string]interface{}{"pending": a.db.Pending()}
	if a.db.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: "Archive circuit breaker is open",
			Details: details,
		}
	}
	if err := a.db.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: "Archive ping failed",
			Details: details,
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "Archive healthy", Details: details}
}

// Breaker is satisfied by the circuit breaker wrappers
type Breaker interface {
	IsCircuitBreakerOpen() bool
}

// BreakerHealthChecker reports an upstream provider as degraded while its breaker is
// open. Conversations still complete in that state, with the stage degraded.
type BreakerHealthChecker struct {
	name    string
	breaker Breaker
}

// NewBreakerHealthChecker creates a checker for the breaker guarding an upstream
func NewBreakerHealthChecker(name string, breaker Breaker) *BreakerHealthChecker {
	return &BreakerHealthChecker{name: name, breaker: breaker}
}

func (b *BreakerHealthChecker) Name() string           { return b.name }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(context.Context) CheckResult {
	if b.breaker.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusDegraded,
			Error:   "circuit breaker open",
			Message: b.name + " calls are failing fast",
		}
	}
	return CheckResult{Status: StatusHealthy, Message: b.name + " reachable"}
}
