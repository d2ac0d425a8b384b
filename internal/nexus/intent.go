package nexus

import (
	"context"
	"strings"

	"antigravity/internal/logging"
)

// AutoStep is one pre-planned tool call from the intent classifier.
type AutoStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Intent is the classifier's verdict on an unmatched message.
type Intent struct {
	Intent      string     `json:"intent"`
	AutoExecute []AutoStep `json:"auto_execute"`
}

// Classifier is the fast-model JSON surface.
type Classifier interface {
	ClassifyJSON(ctx context.Context, model, system, user string, target any) error
}

const intentSystemPrompt = `You route a user message for a personal agent.
Reply with JSON only: {"intent": string, "auto_execute": [{"tool": string, "args": object}]}.
Known intents: "prompt" (needs the full agent), "help", "restart", "emoji",
"disable_<layer>", "enable_<layer>" where <layer> is one of chat, system, emoji, ui_control.
Use auto_execute only for unambiguous tool plans; otherwise return intent "prompt" with an empty list.`

// IntentClassifier wraps the fast model for routing.
type IntentClassifier struct {
	classifier Classifier
	model      string
	logger     logging.Logger
}

// NewIntentClassifier creates the classifier wrapper; classifier may be nil.
func NewIntentClassifier(classifier Classifier, model string, logger logging.Logger) *IntentClassifier {
	return &IntentClassifier{classifier: classifier, model: model, logger: logging.OrNop(logger)}
}

// Classify routes one message. Failures fall back to the "prompt" intent so
// the agent always remains reachable.
func (c *IntentClassifier) Classify(ctx context.Context, message string) Intent {
	fallback := Intent{Intent: "prompt"}
	if c.classifier == nil {
		return fallback
	}
	var out Intent
	if err := c.classifier.ClassifyJSON(ctx, c.model, intentSystemPrompt, message, &out); err != nil {
		c.logger.Debug("Intent classify failed: %v", err)
		return fallback
	}
	if out.Intent == "" {
		return fallback
	}
	out.Intent = strings.ToLower(strings.TrimSpace(out.Intent))
	return out
}
