package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"antigravity/internal/llm"
	"antigravity/internal/logging"
	"antigravity/internal/mcp"
	"antigravity/internal/tools"
)

const (
	defaultMaxToolSteps  = 10
	defaultContextTokens = 32000
)

// Completer is the LLM surface the engine drives.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error)
	Model() string
}

// ToolExecutor dispatches tool calls. Implemented by tools.Executor.
type ToolExecutor interface {
	Execute(ctx context.Context, call tools.Call) tools.Result
	Definitions() []tools.Definition
}

// MemoryContext supplies sovereign context and records finished episodes.
type MemoryContext interface {
	SovereignContext(ctx context.Context) (string, error)
	AppendEpisode(ctx context.Context, requestID string, messages json.RawMessage) error
}

// DeprecatedSource lists tools the evaluator has retired.
type DeprecatedSource interface {
	DeprecatedTools(ctx context.Context) (map[string]string, error)
}

// Config tunes the loop.
type Config struct {
	Model         string
	MaxToolSteps  int
	ContextTokens int
}

// Engine runs the multi-step tool loop against the LLM provider.
type Engine struct {
	llm        Completer
	executor   ToolExecutor
	memory     MemoryContext
	deprecated DeprecatedSource
	cfg        Config
	logger     logging.Logger
	now        func() time.Time
}

// New creates the engine. memory and deprecated may be nil.
func New(completer Completer, executor ToolExecutor, memory MemoryContext, deprecated DeprecatedSource, cfg Config, logger logging.Logger) *Engine {
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = defaultMaxToolSteps
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = defaultContextTokens
	}
	return &Engine{
		llm:        completer,
		executor:   executor,
		memory:     memory,
		deprecated: deprecated,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// AllTools returns the advertised tool surface: internal tools always, MCP
// tools minus anything the evaluator deprecated.
func (e *Engine) AllTools(ctx context.Context) []llm.ToolDef {
	var retired map[string]string
	if e.deprecated != nil {
		var err error
		retired, err = e.deprecated.DeprecatedTools(ctx)
		if err != nil {
			e.logger.Debug("Deprecated tool lookup failed: %v", err)
		}
	}

	var defs []llm.ToolDef
	for _, d := range e.executor.Definitions() {
		if _, ok := retired[d.Name]; ok && strings.HasPrefix(d.Name, mcp.ToolNamePrefix) {
			continue
		}
		defs = append(defs, llm.ToolDef{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return defs
}

// SystemPrompt builds the per-request system prompt with sovereign context.
func (e *Engine) SystemPrompt(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("You are Antigravity, an always-on personal agent. ")
	b.WriteString("Use tools when they help; answer directly when they do not. ")
	b.WriteString("Current time: ")
	b.WriteString(e.now().Format(time.RFC1123))
	b.WriteString("\n")

	if e.memory != nil {
		if sovereign, err := e.memory.SovereignContext(ctx); err == nil && sovereign != "" {
			b.WriteString("\n# Permanent memory\n\n")
			b.WriteString(sovereign)
		}
	}
	return b.String()
}

// ExecuteToolCall runs one call through the executor.
func (e *Engine) ExecuteToolCall(ctx context.Context, call tools.Call) tools.Result {
	return e.executor.Execute(ctx, call)
}

// Loop runs the tool loop to completion and returns the final response.
func (e *Engine) Loop(ctx context.Context, messages []llm.Message, model, requestID string) (*llm.CompletionResponse, error) {
	convo := e.prepare(ctx, messages)
	toolDefs := e.AllTools(ctx)
	if model == "" {
		model = e.cfg.Model
	}

	var final *llm.CompletionResponse
	for step := 0; step < e.cfg.MaxToolSteps; step++ {
		convo = e.trim(convo)
		resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
			Model:     model,
			Messages:  convo,
			Tools:     toolDefs,
			RequestID: requestID,
		})
		if err != nil {
			return nil, fmt.Errorf("agent step %d: %w", step, err)
		}
		if len(resp.ToolCalls) == 0 {
			final = resp
			convo = append(convo, llm.Message{Role: "assistant", Content: resp.Content})
			break
		}

		convo = append(convo, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		results := e.executeParallel(ctx, resp.ToolCalls, requestID)
		for i, tc := range resp.ToolCalls {
			convo = append(convo, toolResultMessage(tc, results[i]))
		}
	}

	if final == nil {
		// Step budget exhausted mid-loop: ask for a plain answer.
		convo = append(convo, llm.Message{
			Role:    "system",
			Content: "Tool budget exhausted. Answer with what you have, without calling tools.",
		})
		resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
			Model: model, Messages: e.trim(convo), RequestID: requestID,
		})
		if err != nil {
			return nil, err
		}
		final = resp
		convo = append(convo, llm.Message{Role: "assistant", Content: resp.Content})
	}

	e.appendEpisode(ctx, requestID, convo)
	return final, nil
}

// Stream runs the loop while yielding events. The channel closes after the
// done event.
func (e *Engine) Stream(ctx context.Context, messages []llm.Message, model, requestID string) (<-chan Event, error) {
	convo := e.prepare(ctx, messages)
	toolDefs := e.AllTools(ctx)
	if model == "" {
		model = e.cfg.Model
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		var finalText strings.Builder

		for step := 0; step < e.cfg.MaxToolSteps; step++ {
			convo = e.trim(convo)
			chunks, err := e.llm.Stream(ctx, llm.CompletionRequest{
				Model:     model,
				Messages:  convo,
				Tools:     toolDefs,
				RequestID: requestID,
			})
			if err != nil {
				out <- Event{Type: EventError, Err: err.Error()}
				return
			}

			var content strings.Builder
			var calls []llm.ToolCall
			for chunk := range chunks {
				if chunk.Err != nil {
					out <- Event{Type: EventError, Err: chunk.Err.Error()}
					return
				}
				if chunk.Token != "" {
					content.WriteString(chunk.Token)
					out <- Event{Type: EventToken, Token: chunk.Token}
				}
				if len(chunk.ToolCalls) > 0 {
					calls = append(calls, chunk.ToolCalls...)
				}
			}

			if len(calls) == 0 {
				finalText.WriteString(content.String())
				convo = append(convo, llm.Message{Role: "assistant", Content: content.String()})
				out <- Event{Type: EventDone, Content: finalText.String()}
				e.appendEpisode(ctx, requestID, convo)
				return
			}

			convo = append(convo, llm.Message{Role: "assistant", Content: content.String(), ToolCalls: calls})
			for _, tc := range calls {
				out <- Event{Type: EventToolStart, Tool: tc.Function.Name, CallID: tc.ID}
			}
			results := e.executeParallel(ctx, calls, requestID)
			for i, tc := range calls {
				res := results[i]
				out <- Event{Type: EventToolEnd, Tool: tc.Function.Name, CallID: tc.ID, Result: &res}
				convo = append(convo, toolResultMessage(tc, res))
			}
		}

		out <- Event{Type: EventError, Err: "tool step budget exhausted"}
		e.appendEpisode(ctx, requestID, convo)
	}()
	return out, nil
}

// prepare prepends the system prompt unless the caller already set one.
func (e *Engine) prepare(ctx context.Context, messages []llm.Message) []llm.Message {
	if len(messages) > 0 && messages[0].Role == "system" {
		return append([]llm.Message(nil), messages...)
	}
	convo := make([]llm.Message, 0, len(messages)+1)
	convo = append(convo, llm.Message{Role: "system", Content: e.SystemPrompt(ctx)})
	return append(convo, messages...)
}

// executeParallel runs tool calls concurrently; order of results matches the
// order of calls. Tool errors become results, never loop failures.
func (e *Engine) executeParallel(ctx context.Context, calls []llm.ToolCall, requestID string) []tools.Result {
	results := make([]tools.Result, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc llm.ToolCall) {
			defer wg.Done()
			args := map[string]any{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					results[i] = tools.Result{
						Tool:  tc.Function.Name,
						Error: fmt.Sprintf("malformed arguments: %v", err),
					}
					return
				}
			}
			results[i] = e.executor.Execute(ctx, tools.Call{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
				RequestID: requestID,
			})
		}(i, tc)
	}
	wg.Wait()
	return results
}

func toolResultMessage(tc llm.ToolCall, res tools.Result) llm.Message {
	payload, err := json.Marshal(res)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error()))
	}
	return llm.Message{
		Role:       "tool",
		Name:       tc.Function.Name,
		Content:    string(payload),
		ToolCallID: tc.ID,
	}
}

func (e *Engine) appendEpisode(ctx context.Context, requestID string, convo []llm.Message) {
	if e.memory == nil {
		return
	}
	raw, err := json.Marshal(convo)
	if err != nil {
		return
	}
	if err := e.memory.AppendEpisode(ctx, requestID, raw); err != nil {
		e.logger.Warn("Append episode %s: %v", requestID, err)
	}
}
