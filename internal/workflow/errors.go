package workflow

import (
	"errors"
	"fmt"

	"github.com/Kocoro-lab/clarifier/internal/session"
	"github.com/Kocoro-lab/clarifier/internal/state"
)

var (
	// ErrNotFound is returned when resuming an unknown conversation
	ErrNotFound = session.ErrNotFound

	// ErrBusy is returned when another resume holds the conversation
	ErrBusy = session.ErrBusy

	// ErrNotAwaitingInput is returned when resuming a conversation that is not suspended
	ErrNotAwaitingInput = errors.New("conversation is not awaiting input")
)

// RunError is an unrecovered failure during a run. When ConversationID is set the
// conversation can be retried with it; otherwise nothing was stored to retry.
type RunError struct {
	ConversationID string
	Stage          state.Stage
	Err            error
}

func (e *RunError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("run failed at stage %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("conversation %s failed at stage %s: %v", e.ConversationID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
