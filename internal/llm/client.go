package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikepica/pmo-playbook-sub001/internal/metrics"
)

// Options controls a single completion request.
type Options struct {
	MaxTokens   int
	Temperature float64
	AgentID     string
}

// Completion is the result of one language-model call.
type Completion struct {
	Text         string
	TokensUsed   int
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
}

// CompletionService is the language-model collaborator. It is treated as
// unreliable: callers retry at most once and degrade on repeated failure.
type CompletionService interface {
	Complete(ctx context.Context, prompt string, opts Options) (*Completion, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

// HTTPClient calls the LLM service over HTTP JSON.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPClient creates a completion client with rate limiting.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Complete sends the prompt to the LLM service and returns the completion.
func (c *HTTPClient) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	if opts.MaxTokens == 0 {
		opts.MaxTokens = 2048
	}

	reqBody := map[string]interface{}{
		"query":       prompt,
		"max_tokens":  opts.MaxTokens,
		"temperature": opts.Temperature,
		"agent_id":    opts.AgentID,
	}
	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/agent/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.AgentID != "" {
		req.Header.Set("X-Agent-ID", opts.AgentID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("LLM service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("HTTP %d from LLM service", resp.StatusCode)
	}

	var llmResp struct {
		Success  bool   `json:"success"`
		Response string `json:"response"`
		Metadata struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"metadata"`
		TokensUsed int    `json:"tokens_used"`
		ModelUsed  string `json:"model_used"`
		Provider   string `json:"provider"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&llmResp); err != nil {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to parse LLM response: %w", err)
	}

	metrics.LLMRequests.WithLabelValues("ok").Inc()
	metrics.LLMTokensUsed.Observe(float64(llmResp.TokensUsed))

	return &Completion{
		Text:         llmResp.Response,
		TokensUsed:   llmResp.TokensUsed,
		InputTokens:  llmResp.Metadata.InputTokens,
		OutputTokens: llmResp.Metadata.OutputTokens,
		Model:        llmResp.ModelUsed,
		Provider:     llmResp.Provider,
	}, nil
}

// ErrNoJSON is returned by ExtractJSON when the text contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON pulls the first JSON object out of free-form model output.
// Models frequently wrap JSON in prose or code fences.
func ExtractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}
