package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound reports a tool name the registry does not know.
var ErrNotFound = errors.New("tools: tool not found")

// Call is one tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
	RequestID string
}

// Result is the executor's envelope for every execution.
type Result struct {
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Tool      string `json:"tool"`
}

// Definition is the schema advertised for one tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Tool is one internal tool with typed arguments behind a map decode.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// decodeArgs round-trips a loose argument map into a typed struct.
func decodeArgs(args map[string]any, target any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tools: marshal args: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("tools: invalid arguments: %w", err)
	}
	return nil
}

// objectSchema builds the common JSON-schema envelope for tool parameters.
func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
