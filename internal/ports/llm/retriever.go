package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/Kocoro-lab/clarifier/internal/ports"
)

var errNoAnswer = errors.New("search returned no answer")

// Retriever implements ports.Retriever: the model writes the search string and the
// search API answers it
type Retriever struct {
	llm    *Client
	search Searcher
}

var _ ports.Retriever = (*Retriever)(nil)

func NewRetriever(llm *Client, searcher Searcher) *Retriever {
	return &Retriever{llm: llm, search: searcher}
}

// BuildQuery writes one web search string for the request
func (r *Retriever) BuildQuery(ctx context.Context, req ports.QueryRequest) (string, error) {
	reply, err := r.llm.Complete(ctx, "build_query", "", searchQueryPrompt(req.Entity, req.Intent, req.Text, req.RefinedQuery))
	if err != nil {
		return "", ports.RetrievalFailure("build_query", err)
	}
	return strings.Trim(strings.TrimSpace(reply), "\"'"), nil
}

// Retrieve searches query. The source summary lists the source titles, one per line.
func (r *Retriever) Retrieve(ctx context.Context, query, intent string) (ports.Retrieval, error) {
	resp, err := r.search.Search(ctx, query)
	if err != nil {
		return ports.Retrieval{}, ports.RetrievalFailure("search", err)
	}
	answer := strings.TrimSpace(resp.Answer)
	if answer == "" {
		return ports.Retrieval{}, ports.RetrievalFailure("search", errNoAnswer)
	}
	return ports.Retrieval{
		SourceSummary: strings.Join(resp.Titles(), "\n"),
		Answer:        answer,
	}, nil
}
