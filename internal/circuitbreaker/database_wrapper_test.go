package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), "test-archive", zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	mock.ExpectPing()
	require.NoError(t, wrapper.PingContext(ctx))

	// Placeholders are rebound for postgres
	mock.ExpectExec(`INSERT INTO test \(name\) VALUES \(\$1\)`).
		WithArgs("test").
		WillReturnResult(sqlmock.NewResult(1, 1))
	result, err := wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "test")
	require.NoError(t, err)
	affected, _ := result.RowsAffected()
	assert.Equal(t, int64(1), affected)

	mock.ExpectQuery("SELECT (.+) FROM test").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "a").AddRow(2, "b"))
	var rows []struct {
		ID   int    `db:"id"`
		Name string `db:"name"`
	}
	require.NoError(t, wrapper.SelectContext(ctx, &rows, "SELECT id, name FROM test"))
	assert.Len(t, rows, 2)

	assert.Equal(t, "postgres", wrapper.DriverName())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT name FROM test").WillReturnError(sql.ErrNoRows)
		var name string
		err := wrapper.GetContext(ctx, &name, "SELECT name FROM test WHERE id = ?", 1)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	}

	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	wrapper, mock := newMockWrapper(t)
	ctx := context.Background()

	failures := int(GetDatabaseConfig().FailureThreshold)
	for i := 0; i < failures; i++ {
		mock.ExpectExec("INSERT INTO test").WillReturnError(errors.New("connection refused"))
		_, err := wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "x")
		require.Error(t, err)
	}

	assert.True(t, wrapper.IsCircuitBreakerOpen())

	// Fails fast without reaching the driver
	_, err := wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "x")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
