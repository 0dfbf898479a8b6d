package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatewayServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		_ = json.NewEncoder(w).Encode(ChatResponse{
			ID:    "cmpl-1",
			Model: req.Model,
			Choices: []Choice{
				{Message: ChatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
			},
			Usage: Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(endpoint string) *GatewayClient {
	return NewGatewayClient(Config{
		Endpoint:            endpoint,
		APIKey:              "test-key",
		Model:               "test-model",
		PromptCostPer1K:     0.003,
		CompletionCostPer1K: 0.015,
	})
}

func TestCompleteAccountsCost(t *testing.T) {
	srv := gatewayServer(t, "the market looks bullish")
	client := newTestClient(srv.URL)

	completion, err := client.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "the market looks bullish", completion.Content)
	assert.Equal(t, "test-model", completion.Model)
	// 1000 prompt tokens at 0.003/1K plus 2000 completion at 0.015/1K
	assert.InDelta(t, 0.033, completion.Cost, 1e-9)
}

func TestCompleteJSON(t *testing.T) {
	ctx := context.Background()

	type verdict struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}

	t.Run("bare JSON", func(t *testing.T) {
		srv := gatewayServer(t, `{"action": "BUY", "confidence": 0.8}`)
		client := newTestClient(srv.URL)

		var v verdict
		_, err := client.CompleteJSON(ctx, "system", "user", &v)
		require.NoError(t, err)
		assert.Equal(t, "BUY", v.Action)
		assert.InDelta(t, 0.8, v.Confidence, 1e-9)
	})

	t.Run("fenced JSON", func(t *testing.T) {
		srv := gatewayServer(t, "```json\n{\"action\": \"SELL\", \"confidence\": 0.6}\n```")
		client := newTestClient(srv.URL)

		var v verdict
		_, err := client.CompleteJSON(ctx, "system", "user", &v)
		require.NoError(t, err)
		assert.Equal(t, "SELL", v.Action)
	})

	t.Run("non-JSON content", func(t *testing.T) {
		srv := gatewayServer(t, "I cannot decide")
		client := newTestClient(srv.URL)

		var v verdict
		completion, err := client.CompleteJSON(ctx, "system", "user", &v)
		require.Error(t, err)
		// the completion is still returned so the caller can account its cost
		require.NotNil(t, completion)
		assert.Greater(t, completion.Cost, 0.0)
	})
}

func TestCompleteErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("gateway error envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit_error"}}`))
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Complete(ctx, "s", "u")
		require.ErrorContains(t, err, "rate limited")
	})

	t.Run("no choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ChatResponse{ID: "cmpl-2"})
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).Complete(ctx, "s", "u")
		require.ErrorContains(t, err, "no choices")
	})
}

func TestExtractJSONFromMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		out  string
	}{
		{"bare", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fence with prose", "Here you go:\n```json\n{\"a\": 1}\n```\nEnjoy.", `{"a": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.out, extractJSONFromMarkdown(tc.in))
		})
	}
}
