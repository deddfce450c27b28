package llm

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/ports"
	"github.com/Kocoro-lab/clarifier/internal/ports/search"
)

const maxCandidates = 5

var listNoise = regexp.MustCompile(`[\d.]`)

// Searcher runs a web search
type Searcher interface {
	Search(ctx context.Context, query string) (search.Response, error)
}

// Classifier implements ports.Classifier with chat prompts
type Classifier struct {
	llm    *Client
	search Searcher
	logger *zap.Logger
}

var _ ports.Classifier = (*Classifier)(nil)

// NewClassifier creates a classifier. searcher is optional and only used to ground
// entity disambiguation.
func NewClassifier(llm *Client, searcher Searcher, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{llm: llm, search: searcher, logger: logger}
}

// ResolveEntity extracts the company name from text and lists the companies sharing it.
// With detail it instead asks for the one company the detail describes.
func (c *Classifier) ResolveEntity(ctx context.Context, text, detail, priorName string) (ports.EntityResolution, error) {
	if strings.TrimSpace(detail) != "" {
		return c.disambiguate(ctx, text, detail, priorName)
	}

	name, err := c.llm.Complete(ctx, "entity_name", "", entityNamePrompt(text))
	if err != nil {
		return ports.EntityResolution{}, ports.Classification("resolve_entity", err)
	}
	name = unquote(name)
	if name == "" {
		return ports.EntityResolution{}, nil
	}

	listing, err := c.llm.Complete(ctx, "same_name_companies", "", sameNamePrompt(name))
	if err != nil {
		return ports.EntityResolution{}, ports.Classification("list_companies", err)
	}
	return ports.EntityResolution{Name: name, Candidates: ParseCandidates(listing)}, nil
}

func (c *Classifier) disambiguate(ctx context.Context, text, detail, priorName string) (ports.EntityResolution, error) {
	name := priorName
	if name == "" {
		name = text
	}

	grounding := "No answer found"
	if c.search != nil {
		resp, err := c.search.Search(ctx, disambiguationQuery(name, detail))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ports.EntityResolution{}, ports.Classification("disambiguate", err)
			}
			c.logger.Warn("Disambiguation search failed, continuing without it", zap.Error(err))
		case resp.Answer != "":
			grounding = resp.Answer
		}
	}

	resolved, err := c.llm.Complete(ctx, "disambiguate", "", disambiguationPrompt(name, detail, grounding))
	if err != nil {
		return ports.EntityResolution{}, ports.Classification("disambiguate", err)
	}
	resolved = unquote(resolved)
	if resolved == "" {
		return ports.EntityResolution{Name: priorName}, nil
	}
	return ports.EntityResolution{Name: priorName, Candidates: []string{resolved}}, nil
}

// ParseCandidates turns a one-company-per-line listing into at most five candidates.
// Digits and dots are dropped so numbered lists come out clean.
func ParseCandidates(listing string) []string {
	out := make([]string, 0, maxCandidates)
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(listNoise.ReplaceAllString(line, ""))
		line = strings.TrimLeft(line, "-*) ")
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxCandidates {
			break
		}
	}
	return out
}

// ResolveIntent classifies text into one of the intent labels
func (c *Classifier) ResolveIntent(ctx context.Context, text string) (string, error) {
	reply, err := c.llm.Complete(ctx, "intent", "", intentPrompt(text))
	if err != nil {
		return "", ports.Classification("resolve_intent", err)
	}
	return ports.CanonicalIntent(unquote(reply)), nil
}

// AssessIntentAmbiguity judges whether intent is specific enough to search on. Only
// location questions need the model: they may mix location types.
func (c *Classifier) AssessIntentAmbiguity(ctx context.Context, text, intent string) (string, error) {
	switch ports.CanonicalIntent(intent) {
	case ports.IntentNone:
		return ports.VerdictAmbiguous, nil
	case ports.IntentLocation:
	default:
		return ports.VerdictClear, nil
	}

	reply, err := c.llm.Complete(ctx, "intent_clarity", "", locationClarityPrompt(text))
	if err != nil {
		return "", ports.Classification("assess_ambiguity", err)
	}
	return verdict(reply), nil
}

func verdict(reply string) string {
	r := strings.ToLower(reply)
	switch {
	case strings.Contains(r, "ambig"), strings.Contains(r, "unclear"):
		return ports.VerdictAmbiguous
	case strings.Contains(r, "clear"):
		return ports.VerdictClear
	default:
		return ports.VerdictAmbiguous
	}
}
