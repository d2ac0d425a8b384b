package nexus

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"antigravity/internal/logging"
)

// Action kinds a trigger may carry.
const (
	ActionToolCall     = "tool_call"
	ActionControlUI    = "control_ui"
	ActionMenu         = "menu"
	ActionSystemPrompt = "system_prompt"
	ActionUILayer      = "ui_layer"
	ActionMacro        = "macro"
	ActionSwitchMode   = "switch_mode"
	ActionDiagnostic   = "diagnostic"
)

// Trigger is one declarative (regex, action) rule evaluated before any LLM
// call.
type Trigger struct {
	Pattern     string         `yaml:"pattern"`
	ActionType  string         `yaml:"action_type"`
	ActionData  map[string]any `yaml:"action_data"`
	Description string         `yaml:"description"`

	re *regexp.Regexp
}

// TriggerRegistry holds compiled triggers in declaration order; the first
// match wins.
type TriggerRegistry struct {
	mu       sync.Mutex
	triggers []Trigger
	logger   logging.Logger
}

// NewTriggerRegistry creates an empty registry.
func NewTriggerRegistry(logger logging.Logger) *TriggerRegistry {
	return &TriggerRegistry{logger: logging.OrNop(logger)}
}

// LoadFile replaces the registry contents from a YAML trigger file.
func (r *TriggerRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("triggers: %w", err)
	}
	var raw []Trigger
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("triggers: parse %s: %w", path, err)
	}
	return r.Replace(raw)
}

// Replace swaps in a new trigger list, compiling patterns case-insensitively.
// Invalid patterns are skipped with a warning, never fatal.
func (r *TriggerRegistry) Replace(triggers []Trigger) error {
	compiled := make([]Trigger, 0, len(triggers))
	for _, t := range triggers {
		if t.Pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + t.Pattern)
		if err != nil {
			r.logger.Warn("Trigger pattern %q rejected: %v", t.Pattern, err)
			continue
		}
		t.re = re
		compiled = append(compiled, t)
	}
	r.mu.Lock()
	r.triggers = compiled
	r.mu.Unlock()
	return nil
}

// Match returns the first trigger whose pattern matches the message.
func (r *TriggerRegistry) Match(message string) *Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.triggers {
		if r.triggers[i].re.MatchString(message) {
			t := r.triggers[i]
			return &t
		}
	}
	return nil
}

// Len reports the number of registered triggers.
func (r *TriggerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

// stringField pulls a string out of action data.
func (t *Trigger) stringField(key string) string {
	if t.ActionData == nil {
		return ""
	}
	s, _ := t.ActionData[key].(string)
	return strings.TrimSpace(s)
}

// mapField pulls a nested map out of action data.
func (t *Trigger) mapField(key string) map[string]any {
	if t.ActionData == nil {
		return nil
	}
	m, _ := t.ActionData[key].(map[string]any)
	return m
}
