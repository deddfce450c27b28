// Package ports declares the narrow contracts the workflow engine uses to reach
// its external collaborators: text classification, retrieval and answer evaluation.
package ports

import (
	"context"
	"strings"

	"github.com/Kocoro-lab/clarifier/internal/state"
)

// Ambiguity verdicts returned by Classifier.AssessIntentAmbiguity
const (
	VerdictClear     = "clear"
	VerdictAmbiguous = "ambiguous"
)

// Intent labels
const (
	IntentLocation      = "Location"
	IntentBusinessModel = "Business Model"
	IntentInvestments   = "Investments"
	IntentTimeframe     = "Timeframe"
	IntentCustomers     = "Customers"
	IntentNone          = "None"
)

// Intents lists the recognised intent labels, IntentNone excluded
var Intents = []string{IntentLocation, IntentBusinessModel, IntentInvestments, IntentTimeframe, IntentCustomers}

// CanonicalIntent maps s case-insensitively onto a recognised label, or IntentNone
func CanonicalIntent(s string) string {
	s = strings.TrimSpace(s)
	for _, intent := range Intents {
		if strings.EqualFold(s, intent) {
			return intent
		}
	}
	return IntentNone
}

// EntityResolution is the outcome of entity extraction
type EntityResolution struct {
	Name       string
	Candidates []string
}

// Classifier turns free text into an entity, an intent label and an ambiguity verdict
type Classifier interface {
	ResolveEntity(ctx context.Context, text, detail, priorName string) (EntityResolution, error)
	ResolveIntent(ctx context.Context, text string) (string, error)
	AssessIntentAmbiguity(ctx context.Context, text, intent string) (string, error)
}

// QueryRequest carries everything needed to build a search string
type QueryRequest struct {
	Entity       string
	Intent       string
	Text         string
	RefinedQuery string
}

// Retrieval is the outcome of a search
type Retrieval struct {
	SourceSummary string
	Answer        string
}

// Retriever builds search strings and executes them
type Retriever interface {
	BuildQuery(ctx context.Context, req QueryRequest) (string, error)
	Retrieve(ctx context.Context, query, intent string) (Retrieval, error)
}

// Evaluator scores an answer against the query that produced it
type Evaluator interface {
	Evaluate(ctx context.Context, query, answer string) (state.EvaluationResult, error)
}
