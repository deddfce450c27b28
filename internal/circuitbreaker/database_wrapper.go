package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps sqlx database operations with circuit breaker
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, service string, logger *zap.Logger) *DatabaseWrapper {
	config := GetDatabaseConfig().ToConfig()
	// No rows is an answer, not an outage
	config.IsSuccessful = func(err error) bool {
		return defaultIsSuccessful(err) || errors.Is(err, sql.ErrNoRows)
	}
	cb := newTrackedBreaker("database", service, config, logger)
	return &DatabaseWrapper{
		db:      db,
		cb:      cb,
		service: service,
		logger:  logger,
	}
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
	dw.record(err)
	return err
}

// ExecContext wraps database exec with circuit breaker. The query is rebound to the driver's
// placeholder style.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result

	err := dw.cb.Execute(ctx, func() error {
		var err2 error
		result, err2 = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err2
	})
	dw.record(err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetContext scans a single row into dest with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
	dw.record(err)
	return err
}

// SelectContext scans all rows into dest with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
	dw.record(err)
	return err
}

// DriverName returns the driver the wrapped handle was opened with
func (dw *DatabaseWrapper) DriverName() string {
	return dw.db.DriverName()
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// GetDB returns the underlying database handle for operations not covered by wrapper
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}

func (dw *DatabaseWrapper) record(err error) {
	success := err == nil || errors.Is(err, sql.ErrNoRows)
	recordRequest("database", dw.service, dw.cb, success)
}
