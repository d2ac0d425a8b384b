package agent

import (
	"antigravity/internal/llm"
	"antigravity/internal/token"
)

// trim drops the oldest non-system messages until the conversation fits the
// context budget. The system prompt and the latest user turn always survive.
func (e *Engine) trim(convo []llm.Message) []llm.Message {
	budget := e.cfg.ContextTokens
	total := 0
	counts := make([]int, len(convo))
	for i, m := range convo {
		counts[i] = token.Count(m.Content) + 8 // per-message envelope overhead
		total += counts[i]
	}
	if total <= budget {
		return convo
	}

	kept := make([]llm.Message, 0, len(convo))
	var head int
	if len(convo) > 0 && convo[0].Role == "system" {
		kept = append(kept, convo[0])
		head = 1
	}

	// Walk from the tail collecting as much recent history as fits.
	remaining := budget
	for _, m := range kept {
		remaining -= token.Count(m.Content) + 8
	}
	start := len(convo)
	for i := len(convo) - 1; i >= head; i-- {
		if remaining-counts[i] < 0 && start < len(convo) {
			break
		}
		remaining -= counts[i]
		start = i
	}

	// Never orphan a tool-result run: the assistant message carrying the
	// calls must precede its results.
	for start < len(convo) && convo[start].Role == "tool" {
		start++
	}
	if start >= len(convo) {
		start = len(convo) - 1
	}

	dropped := start - head
	if dropped > 0 {
		e.logger.Debug("Context trim: dropped %d of %d messages", dropped, len(convo)-head)
	}
	return append(kept, convo[start:]...)
}
