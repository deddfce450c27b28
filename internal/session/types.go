package session

import (
	"context"
	"errors"

	"github.com/Kocoro-lab/clarifier/internal/state"
)

var (
	// ErrNotFound is returned when no conversation exists for an id
	ErrNotFound = errors.New("conversation not found")

	// ErrBusy is returned when another caller holds the conversation lock
	ErrBusy = errors.New("conversation is busy")

	// ErrInvalidState is returned when stored conversation data is invalid
	ErrInvalidState = errors.New("invalid conversation state")
)

// Store keeps in-flight conversations keyed by id. Put, Get and Delete for one id
// are atomic with respect to each other; Lock serializes whole read-modify-write
// cycles on one id.
type Store interface {
	Put(ctx context.Context, st *state.ConversationState) error
	Get(ctx context.Context, id string) (*state.ConversationState, error)
	Delete(ctx context.Context, id string) error
	// Lock acquires exclusive access to id or fails with ErrBusy. The returned
	// function releases the lock.
	Lock(ctx context.Context, id string) (func(), error)
}
