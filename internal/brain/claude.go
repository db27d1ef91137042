package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ktsujino/shinsa/internal/logging"
)

// outputToolName is the forced tool used to obtain schema-conforming output.
const outputToolName = "record_result"

// ClaudeProvider implements the Provider interface for Anthropic's Claude
type ClaudeProvider struct {
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(apiKey, model string) *ClaudeProvider {
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	return &ClaudeProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		// Fan-out stages issue many concurrent calls; keep a polite ceiling.
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// SetRateLimit overrides the default request rate ceiling.
func (c *ClaudeProvider) SetRateLimit(r rate.Limit, burst int) {
	c.limiter = rate.NewLimiter(r, burst)
}

func (c *ClaudeProvider) Name() string {
	return "claude"
}

func (c *ClaudeProvider) Available() bool {
	return c.apiKey != ""
}

// Complete forces a tool call whose input schema is the requested output
// schema, so the API itself constrains the shape of the result.
func (c *ClaudeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if !c.Available() {
		return Response{}, fmt.Errorf("claude provider not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	logging.Debug("Claude API request starting", "model", c.model)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	schema := req.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	body := map[string]interface{}{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.UserPrompt},
		},
		"tools": []map[string]interface{}{
			{
				"name":         outputToolName,
				"description":  "Record the structured result of the analysis.",
				"input_schema": schema,
			},
		},
		"tool_choice": map[string]string{
			"type": "tool",
			"name": outputToolName,
		},
	}

	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.Error("Claude API error", "status", resp.StatusCode, "body", string(respBody))
		return Response{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Content []struct {
			Type  string          `json:"type"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		return Response{}, fmt.Errorf("failed to parse response: %w", err)
	}

	if result.StopReason == "max_tokens" {
		logging.Warn("Claude response truncated due to max tokens",
			"model", result.Model,
			"max_tokens", maxTokens)
	}

	for _, block := range result.Content {
		if block.Type == "tool_use" && block.Name == outputToolName {
			logging.Debug("Claude API response parsed",
				"stop_reason", result.StopReason,
				"model", result.Model,
				"output_bytes", len(block.Input))
			return Response{
				JSON:        block.Input,
				Model:       result.Model,
				RawResponse: string(respBody),
			}, nil
		}
	}

	return Response{}, fmt.Errorf("%w: no tool_use block in response", ErrMalformed)
}
