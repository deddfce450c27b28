package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/clarifier/internal/ports"
	"github.com/Kocoro-lab/clarifier/internal/ports/porttest"
	"github.com/Kocoro-lab/clarifier/internal/session"
	"github.com/Kocoro-lab/clarifier/internal/state"
	"github.com/Kocoro-lab/clarifier/internal/workflow"
)

func newService(t *testing.T, set *porttest.Set) (*Service, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore(zaptest.NewLogger(t))
	engine := workflow.NewEngine(workflow.Ports{
		Classifier: set.Classifier,
		Retriever:  set.Retriever,
		Evaluator:  set.Evaluator,
	}, store, workflow.DefaultConfig(), zaptest.NewLogger(t))
	return NewService(engine, zaptest.NewLogger(t)), store
}

func TestStartConversation_Completes(t *testing.T) {
	set := porttest.NewSet().HappyPath("Acme Corp", "Location", "Acme is based in Springfield.", "Acme site")
	svc, _ := newService(t, set)

	resp, err := svc.StartConversation(context.Background(), "  Where is Acme headquartered?  ")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ID)
	assert.False(t, resp.AwaitingInput)
	assert.Equal(t, CompleteMessage, resp.Message)
	assert.Equal(t, "Acme is based in Springfield. (Sources: Acme site)", resp.FinalAnswer)

	set.Classifier.AssertCalled(t, "ResolveEntity", mock.Anything, "Where is Acme headquartered?", "", "")
}

func TestStartThenContinue(t *testing.T) {
	candidates := []string{"Acme Corp, Software", "Acme Inc, Construction"}
	set := porttest.NewSet()
	set.Classifier.On("ResolveEntity", mock.Anything, mock.Anything, "", mock.Anything).
		Return(ports.EntityResolution{Name: "Acme", Candidates: candidates}, nil).Once()
	set.Classifier.On("ResolveEntity", mock.Anything, mock.Anything, "the software one", mock.Anything).
		Return(ports.EntityResolution{Name: "Acme Corp", Candidates: candidates[:1]}, nil).Once()
	set.Classifier.On("ResolveIntent", mock.Anything, mock.Anything).Return("Business Model", nil)
	set.Classifier.On("AssessIntentAmbiguity", mock.Anything, mock.Anything, mock.Anything).Return("clear", nil)
	set.Retriever.On("BuildQuery", mock.Anything, mock.Anything).Return("q", nil)
	set.Retriever.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(ports.Retrieval{Answer: "Licenses."}, nil)
	set.Evaluator.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).Return(porttest.Adequate(), nil)

	svc, _ := newService(t, set)
	ctx := context.Background()

	resp, err := svc.StartConversation(ctx, "Tell me about Acme")
	require.NoError(t, err)
	require.True(t, resp.AwaitingInput)
	assert.Contains(t, resp.Message, candidates[0])
	assert.Contains(t, resp.Message, candidates[1])
	assert.Empty(t, resp.FinalAnswer)

	next, err := svc.ContinueConversation(ctx, resp.ID, "the software one")
	require.NoError(t, err)
	assert.Equal(t, resp.ID, next.ID)
	assert.False(t, next.AwaitingInput)
	assert.Equal(t, "Licenses. (Sources: )", next.FinalAnswer)

	_, err = svc.ContinueConversation(ctx, resp.ID, "again")
	assert.ErrorIs(t, err, ErrNotAwaitingInput)
	set.AssertExpectations(t)
}

func TestContinueConversation_Errors(t *testing.T) {
	svc, store := newService(t, porttest.NewSet())
	ctx := context.Background()

	_, err := svc.ContinueConversation(ctx, "unknown", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ContinueConversation(ctx, " ", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	unlock, err := store.Lock(ctx, "held")
	require.NoError(t, err)
	defer unlock()
	_, err = svc.ContinueConversation(ctx, "held", "hello")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestMalformedInput(t *testing.T) {
	svc, _ := newService(t, porttest.NewSet())
	ctx := context.Background()

	for _, text := range []string{"", "   \n\t", "bad \xff utf8", "nul\x00byte", strings.Repeat("a", MaxInputBytes+1)} {
		_, err := svc.StartConversation(ctx, text)
		assert.ErrorIs(t, err, ErrMalformedInput, "text=%q", text)

		_, err = svc.ContinueConversation(ctx, "some-id", text)
		assert.ErrorIs(t, err, ErrMalformedInput)

		_, err = svc.Ask(ctx, text)
		assert.ErrorIs(t, err, ErrMalformedInput)
	}
}

func TestAsk_ReturnsMessageOnly(t *testing.T) {
	set := porttest.NewSet().HappyPath("Acme Corp", "Location", "Springfield.", "src")
	svc, store := newService(t, set)
	ctx := context.Background()

	first, err := svc.Ask(ctx, "Where is Acme?")
	require.NoError(t, err)
	second, err := svc.Ask(ctx, "Where is Acme?")
	require.NoError(t, err)

	assert.Equal(t, "Springfield. (Sources: src)", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 0, store.Len())
}

type failingEngine struct{ err error }

func (f failingEngine) Start(context.Context, string, string) (workflow.Outcome, error) {
	return workflow.Outcome{}, f.err
}

func (f failingEngine) Resume(context.Context, string, string) (workflow.Outcome, error) {
	return workflow.Outcome{}, f.err
}

func (f failingEngine) Run(context.Context, string) (workflow.Outcome, error) {
	return workflow.Outcome{}, f.err
}

func TestRunFailuresAreGeneric(t *testing.T) {
	svc := NewService(failingEngine{err: errors.New("secret upstream detail")}, zaptest.NewLogger(t))
	svc.newID = func() string { return "fixed-id" }
	ctx := context.Background()

	_, err := svc.StartConversation(ctx, "hello")
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "fixed-id", runErr.ConversationID)
	assert.NotContains(t, err.Error(), "secret")

	_, err = svc.ContinueConversation(ctx, "abc", "hello")
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "abc", runErr.ConversationID)

	_, err = svc.Ask(ctx, "hello")
	require.True(t, errors.As(err, &runErr))
	assert.Empty(t, runErr.ConversationID)
}

func TestRunFailureKeepsWorkflowRetryID(t *testing.T) {
	ctx := context.Background()

	retryable := &workflow.RunError{ConversationID: "fixed-id", Stage: state.StageRetrieve, Err: errors.New("secret")}
	svc := NewService(failingEngine{err: retryable}, zaptest.NewLogger(t))
	svc.newID = func() string { return "fixed-id" }
	_, err := svc.StartConversation(ctx, "hello")
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "fixed-id", runErr.ConversationID)

	// No checkpoint was stored, so there is nothing to retry
	unsaved := &workflow.RunError{Stage: state.StageRetrieve, Err: errors.New("secret")}
	svc = NewService(failingEngine{err: unsaved}, zaptest.NewLogger(t))
	svc.newID = func() string { return "fixed-id" }
	_, err = svc.StartConversation(ctx, "hello")
	require.True(t, errors.As(err, &runErr))
	assert.Empty(t, runErr.ConversationID)
	assert.Equal(t, "request could not be processed", err.Error())
}
