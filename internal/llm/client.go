package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"antigravity/internal/async"
	"antigravity/internal/logging"
)

// Client speaks the OpenAI-compatible chat completions API of the configured
// router/gateway.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

// Config configures a provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewClient constructs a provider client.
func NewClient(cfg Config, logger logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	respBody, status, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("llm: status %d: %s", status, truncate(string(respBody), 300))
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices")
	}
	choice := wire.Choices[0]
	return &CompletionResponse{
		Content:   choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
		Model:     wire.Model,
		Usage:     wire.Usage,
	}, nil
}

// Stream performs a streaming completion, emitting chunks on the returned
// channel. The channel closes after a Done or Err chunk.
func (c *Client) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm: stream status %d: %s", resp.StatusCode, truncate(string(payload), 300))
	}

	out := make(chan StreamChunk, 16)
	async.Go(c.logger, "llm.stream", func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		c.decodeStream(ctx, resp.Body, out)
	})
	return out, nil
}

func (c *Client) decodeStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emit := func(chunk StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			emit(StreamChunk{Done: true})
			return
		}

		var wire wireStreamChunk
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			c.logger.Warn("Stream chunk decode failed: %v", err)
			continue
		}
		if len(wire.Choices) == 0 {
			continue
		}
		delta := wire.Choices[0].Delta
		chunk := StreamChunk{Token: delta.Content}
		if len(delta.ToolCalls) > 0 {
			var calls []ToolCall
			if err := json.Unmarshal(delta.ToolCalls, &calls); err == nil {
				chunk.ToolCalls = calls
			}
		}
		if chunk.Token != "" || len(chunk.ToolCalls) > 0 {
			if !emit(chunk) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(StreamChunk{Err: fmt.Errorf("llm: stream read: %w", err)})
		return
	}
	emit(StreamChunk{Done: true})
}

func (c *Client) buildBody(req CompletionRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   stream,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
		payload["tool_choice"] = "auto"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("llm: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("llm: read response: %w", err)
	}
	return payload, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
