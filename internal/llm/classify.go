package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ClassifyJSON sends a JSON-only prompt to the model and unmarshals the reply
// into target. Model output is repaired before decoding because small local
// models routinely emit trailing commas, markdown fences, or bare keys.
func (c *Client) ClassifyJSON(ctx context.Context, model, system, user string, target any) error {
	resp, err := c.Complete(ctx, CompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   1024,
	})
	if err != nil {
		return err
	}
	return DecodeModelJSON(resp.Content, target)
}

// DecodeModelJSON strips code fences, repairs malformed JSON and unmarshals.
func DecodeModelJSON(raw string, target any) error {
	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), target); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return fmt.Errorf("llm: unrepairable model JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return fmt.Errorf("llm: decode model JSON: %w", err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
