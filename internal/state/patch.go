package state

// Patch is a partial update produced by a stage. Nil fields are left untouched.
type Patch struct {
	EntityName      *string
	Candidates      *[]string
	EntityDetail    *string
	Intent          *string
	IntentDetail    *string
	IntentAmbiguity *string

	CombinedInput   *string
	SearchQuery     *string
	RefinedQuery    *string
	NeedsRefinement *bool
	Answer          *string
	SourceSummary   *string
	Evaluation      *EvaluationResult
	// ClearEvaluation drops the previous verdict; Evaluation, when also set, wins
	ClearEvaluation bool

	ClarificationDetail *string
	FinalAnswer         *string

	// Degraded entries are appended, never replaced
	Degraded []string
}

// Apply merges the patch into s
func (p *Patch) Apply(s *ConversationState) {
	if p == nil || s == nil {
		return
	}
	setString(&s.EntityName, p.EntityName)
	if p.Candidates != nil {
		s.Candidates = append([]string{}, (*p.Candidates)...)
	}
	setString(&s.EntityDetail, p.EntityDetail)
	setString(&s.Intent, p.Intent)
	setString(&s.IntentDetail, p.IntentDetail)
	setString(&s.IntentAmbiguity, p.IntentAmbiguity)
	setString(&s.CombinedInput, p.CombinedInput)
	setString(&s.SearchQuery, p.SearchQuery)
	setString(&s.RefinedQuery, p.RefinedQuery)
	if p.NeedsRefinement != nil {
		s.NeedsRefinement = *p.NeedsRefinement
	}
	setString(&s.Answer, p.Answer)
	setString(&s.SourceSummary, p.SourceSummary)
	if p.ClearEvaluation {
		s.Evaluation = nil
	}
	if p.Evaluation != nil {
		e := *p.Evaluation
		e.MissingInformation = append([]string(nil), p.Evaluation.MissingInformation...)
		s.Evaluation = &e
	}
	setString(&s.ClarificationDetail, p.ClarificationDetail)
	setString(&s.FinalAnswer, p.FinalAnswer)
	s.Degraded = append(s.Degraded, p.Degraded...)
}

// Fields lists the names of the fields the patch sets, for logging
func (p *Patch) Fields() []string {
	if p == nil {
		return nil
	}
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.EntityName != nil, "entity_name")
	add(p.Candidates != nil, "candidates")
	add(p.EntityDetail != nil, "entity_detail")
	add(p.Intent != nil, "intent")
	add(p.IntentDetail != nil, "intent_detail")
	add(p.IntentAmbiguity != nil, "intent_ambiguity")
	add(p.CombinedInput != nil, "combined_input")
	add(p.SearchQuery != nil, "search_query")
	add(p.RefinedQuery != nil, "refined_query")
	add(p.NeedsRefinement != nil, "needs_refinement")
	add(p.Answer != nil, "answer")
	add(p.SourceSummary != nil, "source_summary")
	add(p.Evaluation != nil || p.ClearEvaluation, "evaluation")
	add(p.ClarificationDetail != nil, "clarification_detail")
	add(p.FinalAnswer != nil, "final_answer")
	add(len(p.Degraded) > 0, "degraded")
	return out
}

// String returns a pointer to v, for building patches
func String(v string) *string { return &v }

// Bool returns a pointer to v, for building patches
func Bool(v bool) *bool { return &v }

// Strings returns a pointer to a copy of v, for building patches
func Strings(v []string) *[]string {
	c := append([]string{}, v...)
	return &c
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
