package workflow

import (
	"strings"

	"github.com/Kocoro-lab/clarifier/internal/state"
)

// Decision is the outcome of a routing policy. It is recomputed on every transition.
type Decision int

const (
	Accept Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Policy is a pure routing function of the current state
type Policy func(st *state.ConversationState) Decision

// Policies are the routing rules at the three branch points of the graph
type Policies struct {
	// Candidates routes ListCandidates: Accept resolves the entity, Reject asks for detail
	Candidates Policy
	// Ambiguity routes CheckIntentAmbiguity: Accept builds the query, Reject asks for detail
	Ambiguity Policy
	// Refinement routes Evaluate: Accept finalizes, Reject retrieves again
	Refinement Policy
}

// DefaultPolicies returns the stock routing rules
func DefaultPolicies() Policies {
	return Policies{
		Candidates: ExactlyOneCandidate,
		Ambiguity:  ContainsClear,
		Refinement: RefinementFlag,
	}
}

func (p Policies) withDefaults() Policies {
	d := DefaultPolicies()
	if p.Candidates == nil {
		p.Candidates = d.Candidates
	}
	if p.Ambiguity == nil {
		p.Ambiguity = d.Ambiguity
	}
	if p.Refinement == nil {
		p.Refinement = d.Refinement
	}
	return p
}

// ExactlyOneCandidate accepts only a single candidate. Zero candidates is as
// ambiguous as several.
func ExactlyOneCandidate(st *state.ConversationState) Decision {
	if len(st.Candidates) == 1 {
		return Accept
	}
	return Reject
}

// ContainsClear accepts any verdict containing "clear", case-insensitively.
// This is a weak signal: "unclear" is accepted too. Swap in a stricter policy
// rather than changing this one.
func ContainsClear(st *state.ConversationState) Decision {
	if strings.Contains(strings.ToLower(st.IntentAmbiguity), "clear") {
		return Accept
	}
	return Reject
}

// RefinementFlag rejects the answer when the evaluation asked for refinement
func RefinementFlag(st *state.ConversationState) Decision {
	if st.NeedsRefinement {
		return Reject
	}
	return Accept
}
