package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/ports"
	"github.com/Kocoro-lab/clarifier/internal/session"
	"github.com/Kocoro-lab/clarifier/internal/state"
	"github.com/Kocoro-lab/clarifier/internal/tracing"
)

const (
	modeConversation = "conversation"
	modeSingleShot   = "single_shot"
)

// Ports bundles the external collaborators the stages call
type Ports struct {
	Classifier ports.Classifier
	Retriever  ports.Retriever
	Evaluator  ports.Evaluator
}

// Archiver receives every completed conversation
type Archiver interface {
	Archive(ctx context.Context, st *state.ConversationState) error
}

// Outcome is the result of a run: either a suspension with a prompt or a final answer
type Outcome struct {
	Status           state.Status
	ConversationID   string
	Prompt           string
	FinalAnswer      string
	LoopGuardTripped bool
	Evaluation       *state.EvaluationResult
	Degraded         []string
}

// AwaitingInput reports whether the run stopped to ask the user
func (o Outcome) AwaitingInput() bool {
	return o.Status == state.StatusSuspended
}

// Message is the text to show the user: the prompt or the final answer
func (o Outcome) Message() string {
	if o.AwaitingInput() {
		return o.Prompt
	}
	return o.FinalAnswer
}

// Option configures an Engine
type Option func(*Engine)

// WithPolicies replaces the routing policies; nil fields keep the defaults
func WithPolicies(p Policies) Option {
	return func(e *Engine) { e.policies = p.withDefaults() }
}

// WithArchiver archives completed conversations
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// Engine drives conversations through the clarification graph. Each run advances
// stage by stage on the caller's goroutine until it suspends or completes.
type Engine struct {
	classifier ports.Classifier
	retriever  ports.Retriever
	evaluator  ports.Evaluator
	store      session.Store
	archiver   Archiver
	policies   Policies
	config     Config
	logger     *zap.Logger
	clock      func() time.Time
	nodes      map[state.Stage]node
}

// NewEngine creates an engine
func NewEngine(p Ports, store session.Store, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		classifier: p.Classifier,
		retriever:  p.Retriever,
		evaluator:  p.Evaluator,
		store:      store,
		policies:   DefaultPolicies(),
		config:     cfg.withDefaults(),
		logger:     logger,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.nodes = e.buildGraph()
	return e
}

type run struct {
	mode    string
	persist bool
	started time.Time
}

// Start creates a conversation under id and runs it until it suspends or completes.
// On an unrecovered failure the last consistent state is stored as a retryable
// suspension and a *RunError is returned. The error carries id only when that
// checkpoint was stored.
func (e *Engine) Start(ctx context.Context, id, input string) (Outcome, error) {
	now := e.clock()
	st := state.New(id, input, now)
	metrics.ConversationsStarted.WithLabelValues(modeConversation).Inc()

	e.logger.Info("Conversation started", zap.String("conversation_id", id))

	out, err := e.execute(ctx, st, run{mode: modeConversation, persist: true, started: now})
	if err != nil {
		metrics.ConversationRunErrors.WithLabelValues("start").Inc()
		runErr := &RunError{Stage: st.Stage, Err: err}
		// Only a stored checkpoint can be retried under id
		if e.checkpoint(ctx, st, err) {
			runErr.ConversationID = id
		}
		return Outcome{}, runErr
	}
	return out, nil
}

// Resume feeds reply into the conversation suspended under id. Concurrent resumes of the
// same id fail with ErrBusy. On an unrecovered failure the stored state is left as it
// was, so the caller may resume again with the same id.
func (e *Engine) Resume(ctx context.Context, id, reply string) (Outcome, error) {
	unlock, err := e.store.Lock(ctx, id)
	if err != nil {
		metrics.ConversationResumes.WithLabelValues("busy").Inc()
		return Outcome{}, err
	}
	defer unlock()

	st, err := e.store.Get(ctx, id)
	if err != nil {
		metrics.ConversationResumes.WithLabelValues("not_found").Inc()
		return Outcome{}, err
	}
	if err := st.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", session.ErrInvalidState, err)
	}
	if !st.AwaitingInput() {
		metrics.ConversationResumes.WithLabelValues("not_awaiting").Inc()
		return Outcome{}, ErrNotAwaitingInput
	}

	if st.Retry {
		// A failed run is retried from where it stopped; the reply carries no answer
		st.Retry = false
	} else {
		n, ok := e.nodes[st.Stage]
		if !ok || n.resume == nil {
			return Outcome{}, fmt.Errorf("%w: stage %q cannot be resumed", session.ErrInvalidState, st.Stage)
		}
		patch, next := n.resume(st, reply)
		patch.Apply(st)
		st.Stage = next
	}
	st.Prompt = ""
	metrics.ConversationResumes.WithLabelValues("resumed").Inc()

	e.logger.Info("Conversation resumed",
		zap.String("conversation_id", id),
		zap.String("stage", string(st.Stage)),
	)

	out, err := e.execute(ctx, st, run{mode: modeConversation, persist: true, started: e.clock()})
	if err != nil {
		metrics.ConversationRunErrors.WithLabelValues("resume").Inc()
		e.logger.Error("Conversation run failed, state not committed",
			zap.String("conversation_id", id),
			zap.String("stage", string(st.Stage)),
			zap.Error(err),
		)
		return Outcome{}, &RunError{ConversationID: id, Stage: st.Stage, Err: err}
	}
	return out, nil
}

// Run executes input once without touching the store. A suspension is returned as is
// and cannot be resumed.
func (e *Engine) Run(ctx context.Context, input string) (Outcome, error) {
	now := e.clock()
	st := state.New("", input, now)
	metrics.ConversationsStarted.WithLabelValues(modeSingleShot).Inc()

	out, err := e.execute(ctx, st, run{mode: modeSingleShot, started: now})
	if err != nil {
		metrics.ConversationRunErrors.WithLabelValues("single_shot").Inc()
		return Outcome{}, &RunError{Stage: st.Stage, Err: err}
	}
	return out, nil
}

// execute advances st in place. On error st holds the last consistent state and
// is positioned at the stage that failed.
func (e *Engine) execute(ctx context.Context, st *state.ConversationState, r run) (Outcome, error) {
	st.Status = state.StatusRunning
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, context.Cause(ctx)
		}
		if st.Stage == state.StageCompleted {
			return e.complete(ctx, st, r)
		}

		n, ok := e.nodes[st.Stage]
		if !ok {
			return Outcome{}, fmt.Errorf("unknown stage %q", st.Stage)
		}

		res, err := e.runStage(ctx, st, n)
		if err != nil {
			return Outcome{}, err
		}
		if res.Suspend != nil {
			return e.suspend(ctx, st, res.Suspend.Prompt, r)
		}

		res.Patch.Apply(st)
		st.UpdatedAt = e.clock()
		st.Stage = n.route(st)
	}
}

func (e *Engine) runStage(ctx context.Context, st *state.ConversationState, n node) (StageResult, error) {
	stage := string(st.Stage)
	ctx, span := tracing.StartStageSpan(ctx, st.ID, stage)
	defer span.End()

	if e.config.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.config.StageTimeout, errStageTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := n.run(ctx, st.Clone())
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StageResult{}, err
	}

	e.logger.Debug("Stage completed",
		zap.String("conversation_id", st.ID),
		zap.String("stage", stage),
		zap.Strings("fields", res.Patch.Fields()),
		zap.Bool("suspend", res.Suspend != nil),
	)
	return res, nil
}

func (e *Engine) suspend(ctx context.Context, st *state.ConversationState, prompt string, r run) (Outcome, error) {
	now := e.clock()
	st.Status = state.StatusSuspended
	st.Prompt = prompt
	st.UpdatedAt = now
	st.ExpiresAt = now.Add(e.config.SuspendedTTL)

	if r.persist {
		if err := e.store.Put(ctx, st); err != nil {
			return Outcome{}, fmt.Errorf("failed to store suspended conversation: %w", err)
		}
	}
	metrics.RecordSuspension(string(st.Stage), now.Sub(r.started).Seconds())

	e.logger.Info("Conversation suspended for clarification",
		zap.String("conversation_id", st.ID),
		zap.String("stage", string(st.Stage)),
		zap.Int("candidates", len(st.Candidates)),
	)
	return outcomeOf(st), nil
}

func (e *Engine) complete(ctx context.Context, st *state.ConversationState, r run) (Outcome, error) {
	now := e.clock()
	st.Status = state.StatusCompleted
	st.Prompt = ""
	st.UpdatedAt = now
	st.ExpiresAt = now.Add(e.config.CompletedRetention)

	if r.persist {
		if e.archiver != nil {
			if err := e.archiver.Archive(ctx, st); err != nil {
				// The archive is an audit trail; the answer is still delivered
				e.logger.Warn("Failed to archive conversation",
					zap.String("conversation_id", st.ID),
					zap.Error(err),
				)
			}
		}
		var err error
		if e.config.CompletedRetention == 0 {
			err = e.store.Delete(ctx, st.ID)
		} else {
			err = e.store.Put(ctx, st)
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to store completed conversation: %w", err)
		}
	}
	metrics.RecordCompletion(r.mode, st.LoopGuardTripped, st.RefinementRounds, now.Sub(r.started).Seconds())

	e.logger.Info("Conversation completed",
		zap.String("conversation_id", st.ID),
		zap.Bool("loop_guard_tripped", st.LoopGuardTripped),
		zap.Int("refinement_rounds", st.RefinementRounds),
		zap.Strings("degraded", st.Degraded),
	)
	return outcomeOf(st), nil
}

// checkpoint stores st as a retryable suspension after a failed start and reports
// whether it was stored
func (e *Engine) checkpoint(ctx context.Context, st *state.ConversationState, cause error) bool {
	now := e.clock()
	cp := st.Clone()
	cp.Status = state.StatusSuspended
	cp.Retry = true
	cp.Prompt = RetryPrompt
	cp.UpdatedAt = now
	cp.ExpiresAt = now.Add(e.config.SuspendedTTL)

	// The run context may be the reason we are here
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.store.Put(storeCtx, cp); err != nil {
		e.logger.Error("Failed to store retry checkpoint",
			zap.String("conversation_id", st.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return false
	}
	e.logger.Warn("Conversation run failed, stored retry checkpoint",
		zap.String("conversation_id", st.ID),
		zap.String("stage", string(cp.Stage)),
		zap.Error(cause),
	)
	return true
}

func outcomeOf(st *state.ConversationState) Outcome {
	out := Outcome{
		Status:           st.Status,
		ConversationID:   st.ID,
		Prompt:           st.Prompt,
		FinalAnswer:      st.FinalAnswer,
		LoopGuardTripped: st.LoopGuardTripped,
		Degraded:         append([]string(nil), st.Degraded...),
	}
	if st.Evaluation != nil {
		ev := *st.Evaluation
		out.Evaluation = &ev
	}
	return out
}
