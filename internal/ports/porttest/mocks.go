// Package porttest provides testify mocks of the workflow ports.
package porttest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Kocoro-lab/clarifier/internal/ports"
	"github.com/Kocoro-lab/clarifier/internal/state"
)

// Classifier is a mock ports.Classifier
type Classifier struct {
	mock.Mock
}

func (m *Classifier) ResolveEntity(ctx context.Context, text, detail, priorName string) (ports.EntityResolution, error) {
	args := m.Called(ctx, text, detail, priorName)
	return args.Get(0).(ports.EntityResolution), args.Error(1)
}

func (m *Classifier) ResolveIntent(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

func (m *Classifier) AssessIntentAmbiguity(ctx context.Context, text, intent string) (string, error) {
	args := m.Called(ctx, text, intent)
	return args.String(0), args.Error(1)
}

// Retriever is a mock ports.Retriever
type Retriever struct {
	mock.Mock
}

func (m *Retriever) BuildQuery(ctx context.Context, req ports.QueryRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *Retriever) Retrieve(ctx context.Context, query, intent string) (ports.Retrieval, error) {
	args := m.Called(ctx, query, intent)
	return args.Get(0).(ports.Retrieval), args.Error(1)
}

// Evaluator is a mock ports.Evaluator
type Evaluator struct {
	mock.Mock
}

func (m *Evaluator) Evaluate(ctx context.Context, query, answer string) (state.EvaluationResult, error) {
	args := m.Called(ctx, query, answer)
	return args.Get(0).(state.EvaluationResult), args.Error(1)
}

// Adequate is an evaluation that needs no refinement
func Adequate() state.EvaluationResult {
	return state.EvaluationResult{RelevanceScore: 8, CompletenessScore: 8, MissingInformation: []string{}}
}

// NeedsRefinement is an evaluation that asks for another retrieval round
func NeedsRefinement(refined string) state.EvaluationResult {
	return state.EvaluationResult{
		RelevanceScore:     3,
		CompletenessScore:  2,
		MissingInformation: []string{"details"},
		RefinementNeeded:   true,
		RefinedQuery:       refined,
	}
}

// Set bundles the three mocks
type Set struct {
	Classifier *Classifier
	Retriever  *Retriever
	Evaluator  *Evaluator
}

// NewSet returns fresh mocks
func NewSet() *Set {
	return &Set{Classifier: &Classifier{}, Retriever: &Retriever{}, Evaluator: &Evaluator{}}
}

// HappyPath programs the mocks for a single-candidate, clear-intent, adequate-answer run
func (s *Set) HappyPath(entity, intent, answer, sources string) *Set {
	s.Classifier.On("ResolveEntity", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(ports.EntityResolution{Name: entity, Candidates: []string{entity}}, nil)
	s.Classifier.On("ResolveIntent", mock.Anything, mock.Anything).Return(intent, nil)
	s.Classifier.On("AssessIntentAmbiguity", mock.Anything, mock.Anything, mock.Anything).Return(ports.VerdictClear, nil)
	s.Retriever.On("BuildQuery", mock.Anything, mock.Anything).Return(entity+" "+intent, nil)
	s.Retriever.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).
		Return(ports.Retrieval{SourceSummary: sources, Answer: answer}, nil)
	s.Evaluator.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).Return(Adequate(), nil)
	return s
}

// AssertExpectations asserts every mock in the set
func (s *Set) AssertExpectations(t mock.TestingT) {
	s.Classifier.AssertExpectations(t)
	s.Retriever.AssertExpectations(t)
	s.Evaluator.AssertExpectations(t)
}
