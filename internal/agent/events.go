package agent

import "antigravity/internal/tools"

// EventType classifies one streamed agent event.
type EventType string

const (
	EventToken     EventType = "token"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// Event is one element of the agent's output stream.
type Event struct {
	Type    EventType     `json:"type"`
	Token   string        `json:"token,omitempty"`
	Tool    string        `json:"tool,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Result  *tools.Result `json:"result,omitempty"`
	Err     string        `json:"error,omitempty"`
	Content string        `json:"content,omitempty"` // final text on done
}
