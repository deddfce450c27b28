package state

import (
	"fmt"
	"strings"
	"time"
)

// Stage identifies a node in the conversation graph
type Stage string

const (
	StageExtractEntity        Stage = "extract_entity"
	StageListCandidates       Stage = "list_candidates"
	StageAskEntityDetail      Stage = "ask_entity_detail"
	StageEntityResolved       Stage = "entity_resolved"
	StageExtractIntent        Stage = "extract_intent"
	StageCheckIntentAmbiguity Stage = "check_intent_ambiguity"
	StageAskIntentDetail      Stage = "ask_intent_detail"
	StageBuildQuery           Stage = "build_query"
	StageRetrieve             Stage = "retrieve"
	StageEvaluate             Stage = "evaluate"
	StageFinalize             Stage = "finalize"
	StageCompleted            Stage = "completed"
)

// IsSuspensionPoint reports whether the stage may yield to the caller for input
func (s Stage) IsSuspensionPoint() bool {
	return s == StageAskEntityDetail || s == StageAskIntentDetail
}

// Status is the lifecycle status of a conversation; exactly one holds at any time
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
)

// EvaluationResult is the answer-quality verdict produced by the evaluation port
type EvaluationResult struct {
	RelevanceScore     int      `json:"relevance_score"`
	CompletenessScore  int      `json:"completeness_score"`
	MissingInformation []string `json:"missing_information"`
	RefinementNeeded   bool     `json:"refinement_needed"`
	RefinedQuery       string   `json:"refined_query,omitempty"`
}

// Score is the combined relevance and completeness score used to rank answers
func (e *EvaluationResult) Score() int {
	if e == nil {
		return -1
	}
	return e.RelevanceScore + e.CompletenessScore
}

// Validate checks score bounds
func (e *EvaluationResult) Validate() error {
	if e.RelevanceScore < 0 || e.RelevanceScore > 10 {
		return fmt.Errorf("relevance score must be between 0 and 10, got %d", e.RelevanceScore)
	}
	if e.CompletenessScore < 0 || e.CompletenessScore > 10 {
		return fmt.Errorf("completeness score must be between 0 and 10, got %d", e.CompletenessScore)
	}
	return nil
}

// ConversationState is the complete state of one in-flight conversation
type ConversationState struct {
	ID string `json:"id"`

	Input           string   `json:"input"`
	EntityName      string   `json:"entity_name"`
	Candidates      []string `json:"candidates"`
	EntityDetail    string   `json:"entity_detail"`
	Intent          string   `json:"intent"`
	IntentDetail    string   `json:"intent_detail"`
	IntentAmbiguity string   `json:"intent_ambiguity"`

	CombinedInput   string            `json:"combined_input"`
	SearchQuery     string            `json:"search_query"`
	RefinedQuery    string            `json:"refined_query"`
	NeedsRefinement bool              `json:"needs_refinement"`
	Answer          string            `json:"answer"`
	SourceSummary   string            `json:"source_summary"`
	Evaluation      *EvaluationResult `json:"evaluation,omitempty"`

	// Highest-scoring retrieval seen so far; used when the refinement guard trips
	BestAnswer    string `json:"best_answer,omitempty"`
	BestSources   string `json:"best_sources,omitempty"`
	BestScore     int    `json:"best_score"`
	HasBestAnswer bool   `json:"has_best_answer"`

	ClarificationDetail string `json:"clarification_detail"`
	FinalAnswer         string `json:"final_answer,omitempty"`

	Status Status `json:"status"`
	// Stage is the next stage to run, or the stage that requested suspension
	Stage  Stage  `json:"stage"`
	Prompt string `json:"prompt,omitempty"`
	// Retry marks a suspension created by a run-level failure rather than a clarification
	Retry  bool   `json:"retry,omitempty"`

	RefinementRounds int      `json:"refinement_rounds"`
	EntityRounds     int      `json:"entity_rounds"`
	IntentRounds     int      `json:"intent_rounds"`
	LoopGuardTripped bool     `json:"loop_guard_tripped"`
	Degraded         []string `json:"degraded,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates a fresh state positioned at the entry stage
func New(id, input string, now time.Time) *ConversationState {
	return &ConversationState{
		ID:         id,
		Input:      input,
		Candidates: []string{},
		Status:     StatusRunning,
		Stage:      StageExtractEntity,
		BestScore:  -1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.Candidates = append([]string(nil), s.Candidates...)
	if c.Candidates == nil {
		c.Candidates = []string{}
	}
	c.Degraded = append([]string(nil), s.Degraded...)
	if s.Evaluation != nil {
		e := *s.Evaluation
		e.MissingInformation = append([]string(nil), s.Evaluation.MissingInformation...)
		c.Evaluation = &e
	}
	return &c
}

// IsExpired reports whether the state has outlived its store TTL
func (s *ConversationState) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// AwaitingInput reports whether the conversation is suspended pending a user reply
func (s *ConversationState) AwaitingInput() bool {
	return s.Status == StatusSuspended
}

// IntentText is the raw input joined with any intent clarification
func (s *ConversationState) IntentText() string {
	return JoinDetail(s.Input, s.IntentDetail)
}

// QueryText is the raw input joined with every clarification supplied so far
func (s *ConversationState) QueryText() string {
	return JoinDetail(JoinDetail(s.Input, s.EntityDetail), s.IntentDetail)
}

// JoinDetail appends addition to base separated by a single space, skipping blanks
func JoinDetail(base, addition string) string {
	base = strings.TrimSpace(base)
	addition = strings.TrimSpace(addition)
	switch {
	case addition == "":
		return base
	case base == "":
		return addition
	default:
		return base + " " + addition
	}
}

// Validate checks the structural invariants of the state
func (s *ConversationState) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	switch s.Status {
	case StatusRunning, StatusCompleted:
	case StatusSuspended:
		if !s.Stage.IsSuspensionPoint() && !s.Retry {
			return fmt.Errorf("conversation suspended at non-suspending stage %q", s.Stage)
		}
	default:
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Status == StatusCompleted && s.Stage != StageCompleted {
		return fmt.Errorf("completed conversation positioned at stage %q", s.Stage)
	}
	if s.Evaluation != nil {
		if err := s.Evaluation.Validate(); err != nil {
			return err
		}
	}
	return nil
}
