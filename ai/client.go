// Package ai provides the completion client workflow ai steps call.
// It speaks the OpenAI-compatible chat completions wire format, which
// covers hosted providers and local inference gateways alike.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize caps completion response bodies (10MB).
const maxResponseSize = 10 * 1024 * 1024

// RetryConfig holds retry configuration for completion requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per request.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Config configures the completion client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.openai.com" or a
	// local gateway.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Model is the default model for requests that do not name one.
	Model string

	// RequestTimeout bounds one HTTP attempt.
	RequestTimeout time.Duration

	// Retry controls the retry loop. Zero value uses defaults.
	Retry RetryConfig
}

// Request is one completion request.
type Request struct {
	// Prompt is the user message content.
	Prompt string

	// Model overrides the client default when set.
	Model string

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64
}

// Response is one completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the model that produced the completion.
	Model string

	// TokensUsed is the total tokens consumed, when reported.
	TokensUsed int

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Client calls an OpenAI-compatible completion endpoint with retry
// and transient/fatal error classification.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a completion client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ai base URL is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}, nil
}

// Generate runs one completion, retrying transient failures with
// exponential backoff.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewFatalError(fmt.Errorf("prompt is empty"))
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.Retry.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.config.Retry.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Completion request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.config.Retry.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple callers retry at once.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.config.Retry.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.config.Retry.BackoffBase) * multiplier)
	if backoff > c.config.Retry.MaxBackoff {
		backoff = c.config.Retry.MaxBackoff
	}

	// +/- 25%
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// Wire types for the chat completions format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// doRequest executes a single HTTP attempt.
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/v1/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewFatalError(fmt.Errorf("response contains no choices"))
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        respModel,
		TokensUsed:   parsed.Usage.TotalTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("completion API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
