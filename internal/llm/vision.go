package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DescribeImage sends an image to the vision model as a base64 data URL and
// returns the textual description.
func (c *Client) DescribeImage(ctx context.Context, model string, prompt string, mimeType string, data []byte) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))

	// Multimodal content blocks use the array form of the content field, so
	// the request is built outside the plain Message struct.
	payload := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
				},
			},
		},
		"max_tokens": 2048,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshal vision request: %w", err)
	}
	respBody, status, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}
	if status != 200 {
		return "", fmt.Errorf("llm: vision status %d: %s", status, truncate(string(respBody), 300))
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return "", fmt.Errorf("llm: decode vision response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return "", fmt.Errorf("llm: vision reply had no choices")
	}
	return wire.Choices[0].Message.Content, nil
}
