package llm

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/ports"
	"github.com/Kocoro-lab/clarifier/internal/state"
)

// RefinementThreshold is the score below which an answer is refined
const RefinementThreshold = 5

var (
	errNoScores = errors.New("evaluation has no scores")
	firstInt    = regexp.MustCompile(`-?\d+`)
)

// Evaluator implements ports.Evaluator with a scoring prompt
type Evaluator struct {
	llm    *Client
	logger *zap.Logger
}

var _ ports.Evaluator = (*Evaluator)(nil)

func NewEvaluator(llm *Client, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{llm: llm, logger: logger}
}

// Evaluate scores answer against query. An unparseable reply asks for refinement
// with the original query.
func (e *Evaluator) Evaluate(ctx context.Context, query, answer string) (state.EvaluationResult, error) {
	reply, err := e.llm.Complete(ctx, "evaluate", evaluatorSystem, evaluationPrompt(query, answer))
	if err != nil {
		return state.EvaluationResult{}, ports.Evaluation("evaluate", err)
	}

	result, err := ParseEvaluation(reply)
	if err != nil {
		e.logger.Warn("Failed to parse evaluation, requesting refinement", zap.Error(err))
		return state.EvaluationResult{
			MissingInformation: []string{"Error in evaluation"},
			RefinementNeeded:   true,
			RefinedQuery:       query,
		}, nil
	}
	result.RefinementNeeded = result.RelevanceScore < RefinementThreshold ||
		result.CompletenessScore < RefinementThreshold
	return result, nil
}

// ParseEvaluation reads the line-oriented evaluation format. Both scores are required.
func ParseEvaluation(text string) (state.EvaluationResult, error) {
	result := state.EvaluationResult{MissingInformation: []string{}}
	var haveRelevance, haveCompleteness bool

	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Trim(strings.TrimSpace(key), "*-# "))
		value = strings.Trim(strings.TrimSpace(value), "*[] ")

		switch key {
		case "relevance score":
			n, err := parseScore(value)
			if err != nil {
				return state.EvaluationResult{}, err
			}
			result.RelevanceScore, haveRelevance = n, true
		case "completeness score":
			n, err := parseScore(value)
			if err != nil {
				return state.EvaluationResult{}, err
			}
			result.CompletenessScore, haveCompleteness = n, true
		case "missing information":
			if isNone(value) {
				continue
			}
			for _, item := range strings.Split(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					result.MissingInformation = append(result.MissingInformation, item)
				}
			}
		case "refinement needed":
			result.RefinementNeeded = strings.EqualFold(value, "yes")
		case "refined query":
			if !isNone(value) {
				result.RefinedQuery = strings.Trim(value, "\"")
			}
		}
	}

	if !haveRelevance || !haveCompleteness {
		return state.EvaluationResult{}, errNoScores
	}
	return result, nil
}

func parseScore(value string) (int, error) {
	m := firstInt.FindString(value)
	if m == "" {
		return 0, errors.New("score is not a number: " + strconv.Quote(value))
	}
	return strconv.Atoi(m)
}

func isNone(value string) bool {
	switch strings.ToLower(strings.TrimSuffix(value, ".")) {
	case "", "none", "n/a", "na", "-":
		return true
	}
	return false
}
