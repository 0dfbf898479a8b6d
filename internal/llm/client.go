// Package llm provides chat completions through an OpenAI-compatible
// gateway, with per-call cost accounting from token usage.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Client is the completion contract consumed by the analysis agents
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error)
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, target interface{}) (*Completion, error)
}

// GatewayClient talks to an OpenAI-compatible chat completion endpoint
type GatewayClient struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client

	// Per-1K-token pricing used to convert usage into dollars
	promptCostPer1K     float64
	completionCostPer1K float64
}

// Config contains configuration for the LLM client
type Config struct {
	Endpoint            string
	APIKey              string
	Model               string
	Temperature         float64
	MaxTokens           int
	Timeout             time.Duration
	PromptCostPer1K     float64
	CompletionCostPer1K float64
}

// NewGatewayClient creates an LLM client with sane defaults
func NewGatewayClient(cfg Config) *GatewayClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PromptCostPer1K == 0 {
		cfg.PromptCostPer1K = 0.003
	}
	if cfg.CompletionCostPer1K == 0 {
		cfg.CompletionCostPer1K = 0.015
	}

	return &GatewayClient{
		endpoint:            cfg.Endpoint,
		apiKey:              cfg.APIKey,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxTokens:           cfg.MaxTokens,
		httpClient:          &http.Client{Timeout: cfg.Timeout},
		promptCostPer1K:     cfg.PromptCostPer1K,
		completionCostPer1K: cfg.CompletionCostPer1K,
	}
}

func (c *GatewayClient) cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*c.promptCostPer1K +
		float64(u.CompletionTokens)/1000*c.completionCostPer1K
}

// Complete sends a system + user prompt and returns content with cost
func (c *GatewayClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	request := ChatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, fmt.Errorf("LLM API error (status %d): %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("LLM API error: %s", errResp.Error.Message)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in LLM response")
	}

	log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("LLM request completed")

	return &Completion{
		Content: chatResp.Choices[0].Message.Content,
		Model:   chatResp.Model,
		Usage:   chatResp.Usage,
		Cost:    c.cost(chatResp.Usage),
	}, nil
}

// CompleteJSON completes and parses the content as JSON into target,
// tolerating markdown code fences around the payload.
func (c *GatewayClient) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, target interface{}) (*Completion, error) {
	completion, err := c.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	content := extractJSONFromMarkdown(completion.Content)
	if err := json.Unmarshal([]byte(content), target); err != nil {
		return completion, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return completion, nil
}

func extractJSONFromMarkdown(content string) string {
	contentBytes := []byte(content)
	start := -1
	if idx := bytes.Index(contentBytes, []byte("```json")); idx >= 0 {
		start = idx + 7
	} else if idx := bytes.Index(contentBytes, []byte("```")); idx >= 0 {
		start = idx + 3
	}
	if start >= 0 {
		if idx := bytes.Index(contentBytes[start:], []byte("```")); idx >= 0 {
			content = content[start : start+idx]
		}
	}
	return string(bytes.TrimSpace([]byte(content)))
}
