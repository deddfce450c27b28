package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/clarifier/internal/state"
)

func completedState(id string) *state.ConversationState {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := state.New(id, "Where is Acme headquartered?", now)
	st.EntityName = "Acme Corp"
	st.Intent = "Location"
	st.FinalAnswer = "Springfield. (Sources: Acme About)"
	st.Evaluation = &state.EvaluationResult{RelevanceScore: 9, CompletenessScore: 7, MissingInformation: []string{}}
	st.RefinementRounds = 1
	st.Degraded = []string{"retrieve:retrieval"}
	st.Status = state.StatusCompleted
	st.Stage = state.StageCompleted
	st.UpdatedAt = now.Add(3 * time.Second)
	return st
}

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock
}

func TestNewRecord(t *testing.T) {
	rec, err := NewRecord(completedState("c-1"))
	require.NoError(t, err)

	assert.Equal(t, "c-1", rec.ID)
	assert.Equal(t, 9, rec.RelevanceScore)
	assert.Equal(t, 7, rec.CompletenessScore)
	assert.Equal(t, "retrieve:retrieval", rec.Degraded)
	assert.Equal(t, 3*time.Second, rec.CompletedAt.Sub(rec.StartedAt))

	st, err := rec.State()
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", st.EntityName)
	assert.Equal(t, state.StatusCompleted, st.Status)
}

func TestArchiveWritesThroughWorkers(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_archive")).
		WithArgs("c-1", "Where is Acme headquartered?", "Acme Corp", "Location", "Springfield. (Sources: Acme About)",
			9, 7, 1, false, "retrieve:retrieval", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	c := New(db, Config{Workers: 1}, zaptest.NewLogger(t))
	require.NoError(t, c.Archive(context.Background(), completedState("c-1")))

	// Close drains the queue before closing the handle
	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, c.Archive(context.Background(), completedState("c-2")), ErrClosed)
	assert.NoError(t, c.Close(), "second close is a no-op")
}

func TestSaveUsesDriverPlaceholders(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectClose()

	c := New(db, Config{Workers: 1}, zaptest.NewLogger(t))
	rec, err := NewRecord(completedState("c-1"))
	require.NoError(t, err)

	err = c.Save(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	db, mock := newMock(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "input", "entity_name", "intent", "final_answer", "relevance_score", "completeness_score",
		"refinement_rounds", "loop_guard_tripped", "degraded", "snapshot", "started_at", "completed_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_archive WHERE id = $1")).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c-1", "q", "Acme", "Location", "a", 8, 8, 0, true, "", `{"id":"c-1"}`, started, started))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_archive WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectClose()

	c := New(db, Config{Workers: 1}, zaptest.NewLogger(t))
	rec, err := c.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", rec.EntityName)
	assert.True(t, rec.LoopGuardTripped)
	assert.True(t, started.Equal(rec.StartedAt))

	_, err = c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSQLiteRoundTrip(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "archive.db") + "?_busy_timeout=5000"
	c, err := Open(Config{Driver: "sqlite3", DSN: dsn, Workers: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	st := completedState("c-1")
	rec, err := NewRecord(st)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, rec))

	// A second save of the same id replaces the record
	st.FinalAnswer = "Shelbyville."
	rec, err = NewRecord(st)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, rec))

	got, err := c.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Shelbyville.", got.FinalAnswer)
	assert.Equal(t, 1, got.RefinementRounds)
	assert.False(t, got.LoopGuardTripped)
	assert.True(t, rec.CompletedAt.Equal(got.CompletedAt))
	require.NoError(t, c.Ping(ctx))

	_, err = c.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveAcceptedBeforeCloseIsWritten(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "archive.db") + "?_busy_timeout=5000"
	c, err := Open(Config{Driver: "sqlite3", DSN: dsn, Workers: 2, QueueSize: 4}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("c-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := c.Archive(ctx, completedState(id))
			if err == nil {
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrClosed)
		}()
	}
	close(start)
	require.NoError(t, c.Close())
	wg.Wait()

	reopened, err := Open(Config{Driver: "sqlite3", DSN: dsn, Workers: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()
	for _, id := range accepted {
		_, err := reopened.Get(ctx, id)
		assert.NoError(t, err, "accepted record %s was not written", id)
	}
}
