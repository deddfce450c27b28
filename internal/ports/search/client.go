// Package search is a Tavily web-search client.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/ratecontrol"
	"github.com/Kocoro-lab/clarifier/internal/tracing"
)

const (
	defaultBaseURL    = "https://api.tavily.com"
	defaultMaxResults = 5
	defaultDepth      = "advanced"
	rateLimitPort     = "tavily"
)

// ErrEmptyQuery is returned for a blank query; no request is made
var ErrEmptyQuery = errors.New("empty search query")

// Config holds search client settings
type Config struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxResults  int           `mapstructure:"max_results"`
	SearchDepth string        `mapstructure:"search_depth"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	CacheSize   int           `mapstructure:"cache_size"`
}

// Result is one search hit
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Response is a search answer and the sources it was drawn from
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer"`
	Results []Result `json:"results"`
}

// Titles lists the source titles, falling back to the URL for untitled hits
func (r Response) Titles() []string {
	out := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		title := strings.TrimSpace(res.Title)
		if title == "" {
			title = res.URL
		}
		if title != "" {
			out = append(out, title)
		}
	}
	return out
}

// Doer executes HTTP requests, typically a circuitbreaker.HTTPWrapper
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries the search API. Identical queries are answered from the cache
// for CacheTTL.
type Client struct {
	cfg    Config
	http   Doer
	limits *ratecontrol.Limiters
	cache  Cache
	lru    *LocalLRU
	logger *zap.Logger
}

type searchRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
	MaxResults    int    `json:"max_results"`
}

// NewClient creates a client. cache may be nil; limits may be nil.
func NewClient(cfg Config, doer Doer, limits *ratecontrol.Limiters, cache Cache, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = defaultDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, http: doer, limits: limits, cache: cache, logger: logger}
	if cfg.CacheTTL > 0 {
		c.lru = NewLocalLRU(cfg.CacheSize)
	}
	return c
}

// Search runs query and returns the answer with its sources
func (c *Client) Search(ctx context.Context, query string) (Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}

	key := MakeKey(c.cfg.SearchDepth, query)
	if c.lru != nil {
		if v, ok := c.lru.Get(ctx, key); ok {
			return v, nil
		}
		if c.cache != nil {
			if v, ok := c.cache.Get(ctx, key); ok {
				c.lru.Set(ctx, key, v, c.cfg.CacheTTL)
				return v, nil
			}
		}
	}

	if err := c.limits.Wait(ctx, rateLimitPort); err != nil {
		return Response{}, err
	}

	start := time.Now()
	resp, err := c.do(ctx, query)
	metrics.RecordPortCall("tavily", "search", err, time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("Search request failed", zap.Error(err))
		return Response{}, err
	}

	if c.lru != nil {
		c.lru.Set(ctx, key, resp, c.cfg.CacheTTL)
		if c.cache != nil {
			c.cache.Set(ctx, key, resp, c.cfg.CacheTTL)
		}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, query string) (Response, error) {
	url := c.cfg.BaseURL + "/search"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(searchRequest{
		Query:         query,
		SearchDepth:   c.cfg.SearchDepth,
		IncludeAnswer: true,
		MaxResults:    c.cfg.MaxResults,
	})
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("search http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("failed to decode search response: %w", err)
	}
	if out.Query == "" {
		out.Query = query
	}
	return out, nil
}
