// Package llm is the HTTP client for the insight-generation model
// behind an OpenAI-compatible chat completions endpoint.
package llm

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

	"spotify-insights/internal/config"
	"spotify-insights/internal/telemetry"
)

// ErrUnavailable reports a client constructed without an API key.
var ErrUnavailable = errors.New("llm client unavailable")

// TokenUsage mirrors the usage block of the completions response.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// GenerateRequest is one generation call.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// GenerateResult is the model output plus accounting metadata.
type GenerateResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
	Latency time.Duration
}

// Generator is satisfied by Client; tests substitute their own.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// Client calls the completions endpoint with bounded retries on
// transient statuses.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

// New builds a client from config.
func New(cfg config.Config) *Client {
	base := strings.TrimSpace(cfg.OpenAIBaseURL)
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:    strings.TrimSuffix(base, "/"),
		model:      cfg.LLMModel,
		timeout:    timeout,
		maxRetries: 2,
		httpClient: &http.Client{},
	}
}

// Generate runs one completion. 429 and 5xx responses are retried with
// backoff inside the call; everything else fails immediately.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if c.apiKey == "" {
		return GenerateResult{}, ErrUnavailable
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return GenerateResult{}, errors.New("prompt is required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := []map[string]string{}
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal completion payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, callErr := c.call(ctx, encoded, model)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr
		if !isRetryable(callErr) || attempt == c.maxRetries {
			break
		}
		backoff := time.Duration(500*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return GenerateResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return GenerateResult{}, lastErr
}

func (c *Client) call(ctx context.Context, payload []byte, requestedModel string) (GenerateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return GenerateResult{}, fmt.Errorf("llm timeout: %w", err)
		}
		return GenerateResult{}, fmt.Errorf("llm transport error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("read completion body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return GenerateResult{}, &httpError{StatusCode: resp.StatusCode, Message: message}
	}

	var raw completionsResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return GenerateResult{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(raw.Choices) == 0 || strings.TrimSpace(raw.Choices[0].Message.Content) == "" {
		return GenerateResult{}, errors.New("completion response without text output")
	}

	latency := time.Since(start)
	telemetry.LLMLatency.Observe(latency.Seconds())

	modelID := raw.Model
	if modelID == "" {
		modelID = requestedModel
	}
	return GenerateResult{
		Text:    strings.TrimSpace(raw.Choices[0].Message.Content),
		ModelID: modelID,
		Usage: TokenUsage{
			InputTokens:  raw.Usage.PromptTokens,
			OutputTokens: raw.Usage.CompletionTokens,
			TotalTokens:  raw.Usage.TotalTokens,
		},
		Latency: latency,
	}, nil
}

type completionsResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type httpError struct {
	StatusCode int
	Message    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llm status %d: %s", e.StatusCode, e.Message)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "tempor")
}
