// Package llm implements the classification, retrieval and evaluation ports on top of an
// OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/ratecontrol"
)

const (
	defaultModel  = "gpt-4o"
	rateLimitPort = "openai"
)

var errNoChoices = errors.New("completion returned no choices")

// Config holds chat model settings
type Config struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	ClassifierModel string        `mapstructure:"classifier_model"`
	Temperature     float32       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	// SearchDisambiguation augments entity disambiguation with a web search
	SearchDisambiguation bool `mapstructure:"search_disambiguation"`
}

// Doer executes HTTP requests, typically a circuitbreaker.HTTPWrapper
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues single-turn chat completions
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	limits      *ratecontrol.Limiters
	logger      *zap.Logger
}

// NewClient creates a chat client. doer and limits may be nil.
func NewClient(cfg Config, doer Doer, limits *ratecontrol.Limiters, logger *zap.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if doer != nil {
		oc.HTTPClient = doer
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:         openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		limits:      limits,
		logger:      logger,
	}
}

// WithModel returns a copy of c that uses model; blank keeps the current one
func (c *Client) WithModel(model string) *Client {
	if model == "" {
		return c
	}
	cp := *c
	cp.model = model
	return &cp
}

// Complete sends prompt as the user message, with an optional system message, and
// returns the trimmed reply. op labels metrics.
func (c *Client) Complete(ctx context.Context, op, system, prompt string) (string, error) {
	if err := c.limits.Wait(ctx, rateLimitPort); err != nil {
		return "", err
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err == nil && len(resp.Choices) == 0 {
		err = errNoChoices
	}
	metrics.RecordPortCall("openai", op, err, time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("Chat completion failed",
			zap.String("operation", op),
			zap.String("model", c.model),
			zap.Error(err),
		)
		return "", err
	}

	c.logger.Debug("Chat completion",
		zap.String("operation", op),
		zap.String("model", c.model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// unquote strips the quotes and trailing period models like to add around one-word answers
func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	s = strings.TrimSuffix(s, ".")
	return strings.TrimSpace(s)
}
