// Package conversation is the caller-facing entry point: it validates text, assigns
// conversation ids and translates engine outcomes into responses.
package conversation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/workflow"
)

// CompleteMessage is the message returned alongside a final answer
const CompleteMessage = "Conversation complete"

// MaxInputBytes bounds a single message
const MaxInputBytes = 8 << 10

var (
	// ErrMalformedInput is returned for text that cannot be interpreted
	ErrMalformedInput = errors.New("malformed input")

	// ErrNotFound, ErrNotAwaitingInput and ErrBusy are the engine's lookup errors
	ErrNotFound         = workflow.ErrNotFound
	ErrNotAwaitingInput = workflow.ErrNotAwaitingInput
	ErrBusy             = workflow.ErrBusy
)

// RunError is returned when a run failed. It carries only a generic message and the
// id to retry with; the cause is logged, never surfaced.
type RunError struct {
	ConversationID string
}

func (e *RunError) Error() string {
	if e.ConversationID == "" {
		return "request could not be processed"
	}
	return "request could not be processed, retry conversation " + e.ConversationID
}

// Engine is the workflow surface the service needs
type Engine interface {
	Start(ctx context.Context, id, input string) (workflow.Outcome, error)
	Resume(ctx context.Context, id, reply string) (workflow.Outcome, error)
	Run(ctx context.Context, input string) (workflow.Outcome, error)
}

// Response is the boundary shape of one turn
type Response struct {
	ID               string `json:"conversation_id"`
	Message          string `json:"message"`
	AwaitingInput    bool   `json:"requires_input"`
	FinalAnswer      string `json:"final_answer,omitempty"`
	LoopGuardTripped bool   `json:"loop_guard_tripped,omitempty"`
}

// Service starts and continues conversations
type Service struct {
	engine Engine
	logger *zap.Logger
	newID  func() string
}

// NewService creates a service over engine
func NewService(engine Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine: engine,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
	}
}

// StartConversation begins a new conversation with text
func (s *Service) StartConversation(ctx context.Context, text string) (Response, error) {
	text, err := normalize(text)
	if err != nil {
		return Response{}, err
	}

	id := s.newID()
	out, err := s.engine.Start(ctx, id, text)
	if err != nil {
		return Response{}, s.runFailure(id, err)
	}
	return toResponse(id, out), nil
}

// ContinueConversation answers the clarification question of conversation id
func (s *Service) ContinueConversation(ctx context.Context, id, text string) (Response, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Response{}, ErrNotFound
	}
	text, err := normalize(text)
	if err != nil {
		return Response{}, err
	}

	out, err := s.engine.Resume(ctx, id, text)
	switch {
	case err == nil:
		return toResponse(id, out), nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotAwaitingInput), errors.Is(err, ErrBusy):
		return Response{}, err
	default:
		return Response{}, s.runFailure(id, err)
	}
}

// Ask runs text once and returns only the message: the clarification prompt or the
// final answer. Nothing is kept, so a prompt cannot be answered.
func (s *Service) Ask(ctx context.Context, text string) (string, error) {
	text, err := normalize(text)
	if err != nil {
		return "", err
	}
	out, err := s.engine.Run(ctx, text)
	if err != nil {
		return "", s.runFailure("", err)
	}
	return out.Message(), nil
}

// runFailure hides err behind a generic RunError. A workflow failure decides
// whether id is still retryable.
func (s *Service) runFailure(id string, err error) error {
	s.logger.Error("Conversation run failed",
		zap.String("conversation_id", id),
		zap.Error(err),
	)
	var runErr *workflow.RunError
	if errors.As(err, &runErr) {
		id = runErr.ConversationID
	}
	return &RunError{ConversationID: id}
}

func toResponse(id string, out workflow.Outcome) Response {
	if out.AwaitingInput() {
		return Response{ID: id, Message: out.Prompt, AwaitingInput: true}
	}
	return Response{
		ID:               id,
		Message:          CompleteMessage,
		FinalAnswer:      out.FinalAnswer,
		LoopGuardTripped: out.LoopGuardTripped,
	}
}

func normalize(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", ErrMalformedInput
	}
	if len(text) > MaxInputBytes {
		return "", ErrMalformedInput
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsRune(text, 0) {
		return "", ErrMalformedInput
	}
	return text, nil
}
