// Package genai is a Gemini-backed structured suggestion client.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	DefaultModel      = "gemini-2.5-flash"
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
)

// Config holds the configuration for the client.
// Vertex AI is used when ProjectID is set, the Gemini API otherwise.
type Config struct {
	APIKey          string
	ProjectID       string
	Location        string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
}

// Client generates JSON objects constrained by a response schema.
type Client struct {
	client  *genai.Client
	model   string
	cfg     Config
	prompts *promptSet
	limiter *rate.Limiter
	log     *slog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" && cfg.ProjectID == "" {
		return nil, fmt.Errorf("API key or GCP project is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.ProjectID != "" {
		cc = &genai.ClientConfig{
			Project:  cfg.ProjectID,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	prompts, err := loadPrompts()
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		client:     client,
		model:      cfg.Model,
		cfg:        cfg,
		prompts:    prompts,
		limiter:    rate.NewLimiter(limit, burst),
		log:        slog.Default(),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Generate renders the prompt for task with payload and asks the model for a
// single JSON object matching schema.
func (c *Client) Generate(ctx context.Context, task string, hint string, payload any, schema any) (json.RawMessage, error) {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	prompt, err := c.prompts.render(task, map[string]any{
		"domain_hint": hint,
		"context":     string(body),
	})
	if err != nil {
		return nil, err
	}

	temp := c.cfg.Temperature
	gc := &genai.GenerateContentConfig{
		Temperature:        &temp,
		ResponseMIMEType:   "application/json",
		ResponseJsonSchema: schema,
	}
	if c.cfg.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = c.cfg.MaxOutputTokens
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.log.Debug("retrying generate request",
				slog.String("task", task),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		out, err := c.generateOnce(ctx, prompt, gc)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.log.Warn("generate request failed",
			slog.String("task", task),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}

func (c *Client) generateOnce(ctx context.Context, prompt string, gc *genai.GenerateContentConfig) (json.RawMessage, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), gc)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("empty model response")
	}
	return json.RawMessage(text), nil
}

// calculateBackoff returns base*2^(attempt-1) capped at the max delay.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}
