package workflow

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/ports"
	"github.com/Kocoro-lab/clarifier/internal/state"
)

// Suspension asks the caller for input before the run can continue
type Suspension struct {
	Prompt string
}

// StageResult is the output of one stage invocation. A nil Patch means no update.
// A non-nil Suspend stops the run at the current stage and discards Patch.
type StageResult struct {
	Patch   *state.Patch
	Suspend *Suspension
}

// stageFunc receives a private copy of the state; changes to it are ignored
type stageFunc func(ctx context.Context, st *state.ConversationState) (StageResult, error)

// resumeFunc folds a user reply into a state suspended at the stage
type resumeFunc func(st *state.ConversationState, reply string) (*state.Patch, state.Stage)

// routeFunc picks the next stage once the patch is applied. Routes may update the
// engine's own bookkeeping fields (round counters, best answer, loop guard).
type routeFunc func(st *state.ConversationState) state.Stage

type node struct {
	run    stageFunc
	route  routeFunc
	resume resumeFunc
}

var errStageTimeout = errors.New("stage timed out")

func (e *Engine) buildGraph() map[state.Stage]node {
	next := func(s state.Stage) routeFunc {
		return func(*state.ConversationState) state.Stage { return s }
	}
	branch := func(p Policy, accept, reject state.Stage) routeFunc {
		return func(st *state.ConversationState) state.Stage {
			if p(st) == Accept {
				return accept
			}
			return reject
		}
	}

	return map[state.Stage]node{
		state.StageExtractEntity: {run: e.extractEntity, route: next(state.StageListCandidates)},
		state.StageListCandidates: {
			run:   passThrough,
			route: branch(e.policies.Candidates, state.StageEntityResolved, state.StageAskEntityDetail),
		},
		state.StageAskEntityDetail: {run: askEntityDetail, route: e.afterEntityDetail, resume: resumeEntityDetail},
		state.StageEntityResolved:  {run: entityResolved, route: next(state.StageExtractIntent)},
		state.StageExtractIntent:   {run: e.extractIntent, route: next(state.StageCheckIntentAmbiguity)},
		state.StageCheckIntentAmbiguity: {
			run:   e.checkIntentAmbiguity,
			route: branch(e.policies.Ambiguity, state.StageBuildQuery, state.StageAskIntentDetail),
		},
		state.StageAskIntentDetail: {run: askIntentDetail, route: e.afterIntentDetail, resume: resumeIntentDetail},
		state.StageBuildQuery:      {run: e.buildQuery, route: next(state.StageRetrieve)},
		state.StageRetrieve:        {run: e.retrieve, route: next(state.StageEvaluate)},
		state.StageEvaluate:        {run: e.evaluate, route: e.afterEvaluate},
		state.StageFinalize:        {run: finalize, route: next(state.StageCompleted)},
	}
}

func passThrough(context.Context, *state.ConversationState) (StageResult, error) {
	return StageResult{}, nil
}

func (e *Engine) extractEntity(ctx context.Context, st *state.ConversationState) (StageResult, error) {
	res, err := e.classifier.ResolveEntity(ctx, st.Input, st.EntityDetail, st.EntityName)
	if err != nil {
		if runErr := runLevel(ctx); runErr != nil {
			return StageResult{}, runErr
		}
		// No candidates routes toward clarification
		return StageResult{Patch: &state.Patch{
			Candidates: state.Strings(nil),
			Degraded:   e.degrade(st, state.StageExtractEntity, "classification", err),
		}}, nil
	}
	return StageResult{Patch: &state.Patch{
		EntityName: state.String(res.Name),
		Candidates: state.Strings(res.Candidates),
	}}, nil
}

func askEntityDetail(_ context.Context, st *state.ConversationState) (StageResult, error) {
	if strings.TrimSpace(st.EntityDetail) != "" {
		return StageResult{}, nil
	}
	return StageResult{Suspend: &Suspension{Prompt: entityPrompt(st.Candidates)}}, nil
}

func resumeEntityDetail(st *state.ConversationState, reply string) (*state.Patch, state.Stage) {
	return &state.Patch{
		EntityDetail:        state.String(state.JoinDetail(st.EntityDetail, reply)),
		ClarificationDetail: state.String(state.JoinDetail(st.ClarificationDetail, reply)),
	}, state.StageExtractEntity
}

func entityResolved(_ context.Context, st *state.ConversationState) (StageResult, error) {
	if len(st.Candidates) != 1 {
		return StageResult{}, nil
	}
	return StageResult{Patch: &state.Patch{EntityName: state.String(st.Candidates[0])}}, nil
}

func (e *Engine) extractIntent(ctx context.Context, st *state.ConversationState) (StageResult, error) {
	intent, err := e.classifier.ResolveIntent(ctx, st.IntentText())
	if err != nil {
		if runErr := runLevel(ctx); runErr != nil {
			return StageResult{}, runErr
		}
		return StageResult{Patch: &state.Patch{
			Intent:   state.String(""),
			Degraded: e.degrade(st, state.StageExtractIntent, "classification", err),
		}}, nil
	}
	return StageResult{Patch: &state.Patch{Intent: state.String(strings.TrimSpace(intent))}}, nil
}

func (e *Engine) checkIntentAmbiguity(ctx context.Context, st *state.ConversationState) (StageResult, error) {
	verdict, err := e.classifier.AssessIntentAmbiguity(ctx, st.IntentText(), st.Intent)
	if err != nil {
		if runErr := runLevel(ctx); runErr != nil {
			return StageResult{}, runErr
		}
		return StageResult{Patch: &state.Patch{
			IntentAmbiguity: state.String(ports.VerdictAmbiguous),
			Degraded:        e.degrade(st, state.StageCheckIntentAmbiguity, "classification", err),
		}}, nil
	}
	return StageResult{Patch: &state.Patch{IntentAmbiguity: state.String(verdict)}}, nil
}

func askIntentDetail(_ context.Context, st *state.ConversationState) (StageResult, error) {
	if strings.TrimSpace(st.IntentDetail) != "" {
		return StageResult{}, nil
	}
	return StageResult{Suspend: &Suspension{Prompt: intentPrompt(st.Intent)}}, nil
}

func resumeIntentDetail(st *state.ConversationState, reply string) (*state.Patch, state.Stage) {
	return &state.Patch{
		IntentDetail:        state.String(state.JoinDetail(st.IntentDetail, reply)),
		ClarificationDetail: state.String(state.JoinDetail(st.ClarificationDetail, reply)),
	}, state.StageExtractIntent
}

func (e *Engine) buildQuery(ctx context.Context, st *state.ConversationState) (StageResult, error) {
	combined := st.QueryText()
	query, err := e.retriever.BuildQuery(ctx, ports.QueryRequest{
		Entity:       st.EntityName,
		Intent:       st.Intent,
		Text:         combined,
		RefinedQuery: st.RefinedQuery,
	})
	if err != nil {
		if runErr := runLevel(ctx); runErr != nil {
			return StageResult{}, runErr
		}
		// An empty query short-circuits retrieval
		return StageResult{Patch: &state.Patch{
			CombinedInput: state.String(combined),
			SearchQuery:   state.String(""),
			Degraded:      e.degrade(st, state.StageBuildQuery, "retrieval", err),
		}}, nil
	}
	return StageResult{Patch: &state.Patch{
		CombinedInput: state.String(combined),
		SearchQuery:   state.String(query),
	}}, nil
}

func (e *Engine) retrieve(ctx context.Context, st *state.ConversationState) (StageResult, error) {
	if strings.TrimSpace(st.SearchQuery) == "" {
		return StageResult{Patch: &state.Patch{
			Answer:        state.String(NoSearchInputAnswer),
			SourceSummary: state.String(""),
		}}, nil
	}

	res, err := e.retriever.Retrieve(ctx, st.SearchQuery, st.Intent)
	if err != nil {
		if runErr := runLevel(ctx); runErr != nil {
			return StageResult{}, runErr
		}
		return StageResult{Patch: &state.Patch{
			Answer:        state.String(NoInformationAnswer),
			SourceSummary: state.String(""),
			Degraded:      e.degrade(st, state.StageRetrieve, "retrieval", err),
		}}, nil
	}
	return StageResult{Patch: &state.Patch{
		Answer:        state.String(res.Answer),
		SourceSummary: state.String(res.SourceSummary),
	}}, nil
}

func (e *Engine) evaluate(ctx context.Context, st *state.ConversationState) (StageResult, error) {
	result, err := e.evaluator.Evaluate(ctx, st.CombinedInput, st.Answer)
	if err == nil {
		if verr := result.Validate(); verr != nil {
			err = ports.Evaluation("validate", verr)
		}
	}
	if err != nil {
		if runErr := runLevel(ctx); runErr != nil {
			return StageResult{}, runErr
		}
		// Without a verdict the current answer is taken as adequate. An earlier round's
		// verdict belongs to an earlier answer.
		return StageResult{Patch: &state.Patch{
			ClearEvaluation: true,
			NeedsRefinement: state.Bool(false),
			Degraded:        e.degrade(st, state.StageEvaluate, "evaluation", err),
		}}, nil
	}
	return StageResult{Patch: &state.Patch{
		Evaluation:      &result,
		NeedsRefinement: state.Bool(result.RefinementNeeded),
		RefinedQuery:    state.String(result.RefinedQuery),
	}}, nil
}

func finalize(_ context.Context, st *state.ConversationState) (StageResult, error) {
	return StageResult{Patch: &state.Patch{
		FinalAnswer: state.String(FormatFinalAnswer(st.Answer, st.SourceSummary)),
	}}, nil
}

// afterEntityDetail runs when AskEntityDetail passes through because detail exists
func (e *Engine) afterEntityDetail(st *state.ConversationState) state.Stage {
	st.EntityRounds++
	if st.EntityRounds <= e.config.MaxClarificationRounds {
		return state.StageExtractEntity
	}

	e.tripGuard(st, "entity")
	switch {
	case len(st.Candidates) > 0:
		st.Candidates = st.Candidates[:1]
	case st.EntityName != "":
		st.Candidates = []string{st.EntityName}
	}
	return state.StageEntityResolved
}

// afterIntentDetail runs when AskIntentDetail passes through because detail exists
func (e *Engine) afterIntentDetail(st *state.ConversationState) state.Stage {
	st.IntentRounds++
	if st.IntentRounds <= e.config.MaxClarificationRounds {
		return state.StageExtractIntent
	}

	e.tripGuard(st, "intent")
	return state.StageBuildQuery
}

func (e *Engine) afterEvaluate(st *state.ConversationState) state.Stage {
	if score := st.Evaluation.Score(); !st.HasBestAnswer || score > st.BestScore {
		st.BestAnswer = st.Answer
		st.BestSources = st.SourceSummary
		st.BestScore = score
		st.HasBestAnswer = true
	}

	if e.policies.Refinement(st) == Accept {
		return state.StageFinalize
	}
	if st.RefinementRounds >= e.config.MaxRefinementRounds {
		e.tripGuard(st, "refinement")
		st.Answer = st.BestAnswer
		st.SourceSummary = st.BestSources
		return state.StageFinalize
	}
	st.RefinementRounds++
	return state.StageBuildQuery
}

func (e *Engine) tripGuard(st *state.ConversationState, kind string) {
	st.LoopGuardTripped = true
	metrics.LoopGuardTrips.WithLabelValues(kind).Inc()
	e.logger.Warn("Loop guard tripped, forcing transition",
		zap.String("conversation_id", st.ID),
		zap.String("kind", kind),
		zap.Int("entity_rounds", st.EntityRounds),
		zap.Int("intent_rounds", st.IntentRounds),
		zap.Int("refinement_rounds", st.RefinementRounds),
	)
}

// degrade records a port failure that the stage recovered from
func (e *Engine) degrade(st *state.ConversationState, stage state.Stage, port string, err error) []string {
	metrics.PortFailures.WithLabelValues(port, string(stage)).Inc()
	e.logger.Warn("Port call failed, continuing with fallback",
		zap.String("conversation_id", st.ID),
		zap.String("stage", string(stage)),
		zap.String("port", port),
		zap.String("kind", ports.Kind(err)),
		zap.Error(err),
	)
	return []string{string(stage) + ":" + port}
}

// runLevel returns the run's cancellation cause, or nil when the context is live or
// only the stage deadline expired
func runLevel(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errStageTimeout) {
		return nil
	}
	return cause
}
