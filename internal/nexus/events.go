package nexus

// EventType is the closed taxonomy of regulator output events.
type EventType string

const (
	EventToken        EventType = "token"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventSystemStatus EventType = "system_status"
	EventLayerUpdate  EventType = "layer_update"
	EventControlUI    EventType = "control_ui"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is one element of the dispatch stream.
type Event struct {
	Type      EventType      `json:"type"`
	Token     string         `json:"token,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Err       string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}
