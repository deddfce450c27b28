package archive

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Kocoro-lab/clarifier/internal/state"
)

// Record is one archived conversation
type Record struct {
	ID                string    `db:"id"`
	Input             string    `db:"input"`
	EntityName        string    `db:"entity_name"`
	Intent            string    `db:"intent"`
	FinalAnswer       string    `db:"final_answer"`
	RelevanceScore    int       `db:"relevance_score"`
	CompletenessScore int       `db:"completeness_score"`
	RefinementRounds  int       `db:"refinement_rounds"`
	LoopGuardTripped  bool      `db:"loop_guard_tripped"`
	Degraded          string    `db:"degraded"`
	Snapshot          string    `db:"snapshot"`
	StartedAt         time.Time `db:"started_at"`
	CompletedAt       time.Time `db:"completed_at"`
}

// NewRecord flattens a completed conversation. The full state is kept as JSON.
func NewRecord(st *state.ConversationState) (*Record, error) {
	snapshot, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:               st.ID,
		Input:            st.Input,
		EntityName:       st.EntityName,
		Intent:           st.Intent,
		FinalAnswer:      st.FinalAnswer,
		RefinementRounds: st.RefinementRounds,
		LoopGuardTripped: st.LoopGuardTripped,
		Degraded:         strings.Join(st.Degraded, ","),
		Snapshot:         string(snapshot),
		StartedAt:        st.CreatedAt.UTC(),
		CompletedAt:      st.UpdatedAt.UTC(),
	}
	if st.Evaluation != nil {
		rec.RelevanceScore = st.Evaluation.RelevanceScore
		rec.CompletenessScore = st.Evaluation.CompletenessScore
	}
	return rec, nil
}

// State decodes the archived snapshot
func (r *Record) State() (*state.ConversationState, error) {
	var st state.ConversationState
	if err := json.Unmarshal([]byte(r.Snapshot), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation_archive (
	id                 TEXT PRIMARY KEY,
	input              TEXT NOT NULL,
	entity_name        TEXT NOT NULL DEFAULT '',
	intent             TEXT NOT NULL DEFAULT '',
	final_answer       TEXT NOT NULL DEFAULT '',
	relevance_score    INTEGER NOT NULL DEFAULT 0,
	completeness_score INTEGER NOT NULL DEFAULT 0,
	refinement_rounds  INTEGER NOT NULL DEFAULT 0,
	loop_guard_tripped BOOLEAN NOT NULL DEFAULT FALSE,
	degraded           TEXT NOT NULL DEFAULT '',
	snapshot           TEXT NOT NULL,
	started_at         TIMESTAMP NOT NULL,
	completed_at       TIMESTAMP NOT NULL
)`

const upsertRecord = `
INSERT INTO conversation_archive (
	id, input, entity_name, intent, final_answer,
	relevance_score, completeness_score, refinement_rounds, loop_guard_tripped,
	degraded, snapshot, started_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	final_answer = excluded.final_answer,
	relevance_score = excluded.relevance_score,
	completeness_score = excluded.completeness_score,
	refinement_rounds = excluded.refinement_rounds,
	loop_guard_tripped = excluded.loop_guard_tripped,
	degraded = excluded.degraded,
	snapshot = excluded.snapshot,
	completed_at = excluded.completed_at`

const selectRecord = `
SELECT id, input, entity_name, intent, final_answer,
	relevance_score, completeness_score, refinement_rounds, loop_guard_tripped,
	degraded, snapshot, started_at, completed_at
FROM conversation_archive WHERE id = ?`
