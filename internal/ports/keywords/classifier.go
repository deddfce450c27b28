// Package keywords resolves intents by counting keyword hits before falling back to a
// model-backed classifier.
package keywords

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"unicode"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/clarifier/internal/ports"
)

//go:embed default_keywords.yaml
var defaultKeywords []byte

// minTokenLen drops short tokens such as articles
const minTokenLen = 3

type file struct {
	Intents map[string][]string `yaml:"intents"`
}

// Table maps lowercase keywords to the intents that list them
type Table map[string][]string

// Load reads a keyword file. A blank path loads the built-in keywords.
func Load(path string) (Table, error) {
	data := defaultKeywords
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read keyword file: %w", err)
		}
		data = b
	}
	return Parse(data)
}

// Parse decodes a keyword file. Unknown intent labels are rejected.
func Parse(data []byte) (Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse keyword file: %w", err)
	}
	if len(f.Intents) == 0 {
		return nil, errors.New("keyword file defines no intents")
	}
	t := make(Table)
	for label, words := range f.Intents {
		intent := ports.CanonicalIntent(label)
		if intent == ports.IntentNone {
			return nil, fmt.Errorf("unknown intent %q in keyword file", label)
		}
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w == "" {
				continue
			}
			t[w] = appendUnique(t[w], intent)
		}
	}
	return t, nil
}

// Count tallies keyword hits per intent in text
func (t Table) Count(text string) map[string]int {
	counts := make(map[string]int, len(ports.Intents))
	for _, tok := range tokenize(text) {
		intents, ok := t[tok]
		if !ok {
			intents = t[singular(tok)]
		}
		for _, intent := range intents {
			counts[intent]++
		}
	}
	return counts
}

// Best returns the intent with the strictly highest count, if there is one
func (t Table) Best(text string) (string, bool) {
	best, bestCount, tied := "", 0, false
	for intent, n := range t.Count(text) {
		switch {
		case n > bestCount:
			best, bestCount, tied = intent, n, false
		case n == bestCount:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return "", false
	}
	return best, true
}

// Classifier answers ResolveIntent from the keyword table when one intent clearly
// dominates, and delegates everything else to the wrapped classifier
type Classifier struct {
	ports.Classifier
	table  atomic.Pointer[Table]
	logger *zap.Logger
}

var _ ports.Classifier = (*Classifier)(nil)

func NewClassifier(next ports.Classifier, table Table, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{Classifier: next, logger: logger}
	c.SetTable(table)
	return c
}

// SetTable swaps the keyword table; in-flight lookups keep the old one
func (c *Classifier) SetTable(table Table) {
	c.table.Store(&table)
}

func (c *Classifier) ResolveIntent(ctx context.Context, text string) (string, error) {
	if intent, ok := c.table.Load().Best(text); ok {
		c.logger.Debug("Intent resolved from keywords", zap.String("intent", intent))
		return intent, nil
	}
	return c.Classifier.ResolveIntent(ctx, text)
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= minTokenLen {
			out = append(out, f)
		}
	}
	return out
}

func singular(tok string) string {
	switch {
	case strings.HasSuffix(tok, "ies") && len(tok) > 4:
		return strings.TrimSuffix(tok, "ies") + "y"
	case strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss"):
		return strings.TrimSuffix(tok, "s")
	}
	return tok
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
