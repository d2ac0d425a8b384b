package nexus

import (
	"context"
	"fmt"
	"strings"

	"antigravity/internal/agent"
	"antigravity/internal/async"
	"antigravity/internal/llm"
	"antigravity/internal/logging"
	"antigravity/internal/tools"
)

const trivialWordLimit = 4

const defaultGreeting = "Hey! I'm here. Ask me anything, or tell me what to do."

const helpText = `I can answer questions, run tools, search your memory, and ingest files.
Try: "what's on my plate today", "search notes for <topic>", or drop a file in the ingest folder.`

// actionVerbs disqualify a short message from the trivial short-circuit.
var actionVerbs = map[string]struct{}{
	"run": {}, "create": {}, "analyze": {}, "search": {}, "find": {},
	"show": {}, "list": {}, "get": {}, "execute": {}, "calculate": {},
}

// commandVerbs flag likely trigger misses when no trigger matched.
var commandVerbs = map[string]struct{}{
	"add": {}, "install": {}, "update": {}, "remove": {}, "delete": {},
	"create": {}, "start": {}, "stop": {}, "restart": {}, "enable": {}, "disable": {},
}

// ToolRunner executes one tool call. Implemented by tools.Executor.
type ToolRunner interface {
	Execute(ctx context.Context, call tools.Call) tools.Result
}

// AgentStreamer is the agent engine's streaming surface.
type AgentStreamer interface {
	Stream(ctx context.Context, messages []llm.Message, model, requestID string) (<-chan agent.Event, error)
}

// Regulator is the single front door for chat input. It decides between a
// deterministic trigger action, the full agent loop, or a blend of both, and
// multiplexes the agent token stream with the asynchronous system queue.
type Regulator struct {
	triggers *TriggerRegistry
	layers   *Layers
	queue    *SystemQueue
	tools    ToolRunner
	intent   *IntentClassifier
	agent    AgentStreamer
	greeting string
	logger   logging.Logger
}

// New wires the regulator. intent and tools may be nil; the agent streamer
// must not be.
func New(triggers *TriggerRegistry, layers *Layers, queue *SystemQueue, runner ToolRunner, intent *IntentClassifier, streamer AgentStreamer, logger logging.Logger) *Regulator {
	if triggers == nil {
		triggers = NewTriggerRegistry(logger)
	}
	if layers == nil {
		layers = NewLayers()
	}
	if queue == nil {
		queue = NewSystemQueue()
	}
	return &Regulator{
		triggers: triggers,
		layers:   layers,
		queue:    queue,
		tools:    runner,
		intent:   intent,
		agent:    streamer,
		greeting: defaultGreeting,
		logger:   logging.OrNop(logger),
	}
}

// SetGreeting overrides the canned reply for trivial messages.
func (r *Regulator) SetGreeting(s string) {
	if s != "" {
		r.greeting = s
	}
}

// Queue exposes the system queue so schedulers and monitors can push events.
func (r *Regulator) Queue() *SystemQueue { return r.queue }

// Layers exposes the layer map for status reporting.
func (r *Regulator) Layers() *Layers { return r.layers }

// Dispatch routes one chat turn and returns a lazy stream of events. The
// channel closes after the terminal done or error event.
func (r *Regulator) Dispatch(ctx context.Context, messages []llm.Message, model, requestID string) <-chan Event {
	out := make(chan Event, 16)
	async.Go(r.logger, "nexus.dispatch", func() {
		defer close(out)
		r.dispatch(ctx, out, messages, model, requestID)
	})
	return out
}

func (r *Regulator) dispatch(ctx context.Context, out chan<- Event, messages []llm.Message, model, requestID string) {
	message := lastUserMessage(messages)

	if r.isTrivial(message, messages) {
		out <- Event{Type: EventToken, Token: r.greeting, RequestID: requestID}
		out <- Event{Type: EventDone, Content: r.greeting, RequestID: requestID}
		return
	}

	for _, ev := range r.queue.Drain(requestID) {
		ev.RequestID = requestID
		out <- ev
	}

	if trig := r.triggers.Match(message); trig != nil {
		r.logger.Debug("Trigger %q matched action %s", trig.Pattern, trig.ActionType)
		switch trig.ActionType {
		case ActionUILayer:
			r.handleUILayer(out, trig, requestID)
			return
		case ActionDiagnostic:
			r.handleDiagnostic(out, trig, requestID)
			return
		case ActionToolCall, ActionControlUI, ActionMenu:
			// Trigger output is injected into the conversation so the
			// agent turn that follows knows what just happened.
			messages = append(messages, r.handleAction(ctx, out, trig, requestID))
			r.handover(ctx, out, messages, model, requestID)
			return
		case ActionSystemPrompt:
			messages = append(messages, llm.Message{Role: "system", Content: trig.stringField("prompt")})
			r.handover(ctx, out, messages, model, requestID)
			return
		default:
			r.logger.Warn("Trigger %q has unknown action %q, ignoring", trig.Pattern, trig.ActionType)
		}
	} else if verb := firstWord(message); verb != "" {
		if _, ok := commandVerbs[verb]; ok {
			r.logger.Warn("Potential trigger miss: message starts with %q but no trigger matched", verb)
		}
	}

	if r.intent != nil {
		intent := r.intent.Classify(ctx, message)
		if r.handleIntent(ctx, out, intent, requestID) {
			return
		}
	}

	r.handover(ctx, out, messages, model, requestID)
}

// isTrivial reports whether the message qualifies for the fixed-greeting
// short-circuit: four words or fewer, no action verb, no prior context.
func (r *Regulator) isTrivial(message string, messages []llm.Message) bool {
	words := strings.Fields(strings.ToLower(message))
	if len(words) == 0 || len(words) > trivialWordLimit {
		return false
	}
	for _, w := range words {
		if _, ok := actionVerbs[strings.Trim(w, ".,!?")]; ok {
			return false
		}
	}
	prior := 0
	for _, m := range messages {
		if m.Role != "system" {
			prior++
		}
	}
	return prior <= 1
}

func (r *Regulator) handleUILayer(out chan<- Event, trig *Trigger, requestID string) {
	layer := trig.stringField("layer")
	state := r.layers.Get(layer)
	if !state.Active {
		out <- Event{
			Type:      EventSystemStatus,
			Content:   fmt.Sprintf("Layer %q is inactive.", layer),
			Data:      map[string]any{"layer": layer, "active": false},
			RequestID: requestID,
		}
		out <- Event{Type: EventDone, RequestID: requestID}
		return
	}
	if v, ok := trig.ActionData["opacity"].(float64); ok {
		state.Opacity = v
	}
	if v, ok := trig.ActionData["visible"].(bool); ok {
		state.Visible = v
	}
	r.layers.Set(layer, state)
	out <- Event{
		Type:      EventLayerUpdate,
		Data:      map[string]any{"layer": layer, "active": state.Active, "opacity": state.Opacity, "visible": state.Visible},
		RequestID: requestID,
	}
	out <- Event{Type: EventDone, RequestID: requestID}
}

func (r *Regulator) handleDiagnostic(out chan<- Event, trig *Trigger, requestID string) {
	name := trig.stringField("name")
	if name == "" {
		name = "diagnostic"
	}
	out <- Event{Type: EventToolStart, Tool: name, RequestID: requestID}
	out <- Event{
		Type:      EventToolEnd,
		Tool:      name,
		Content:   trig.stringField("output"),
		Data:      trig.mapField("data"),
		RequestID: requestID,
	}
	out <- Event{Type: EventDone, RequestID: requestID}
}

// handleAction runs a tool_call, control_ui, or menu trigger and returns the
// synthesized system message describing the outcome.
func (r *Regulator) handleAction(ctx context.Context, out chan<- Event, trig *Trigger, requestID string) llm.Message {
	switch trig.ActionType {
	case ActionToolCall:
		name := trig.stringField("tool")
		out <- Event{Type: EventToolStart, Tool: name, RequestID: requestID}
		var res tools.Result
		if r.tools == nil {
			res = tools.Result{Tool: name, Error: "tool executor not configured"}
		} else {
			res = r.tools.Execute(ctx, tools.Call{
				Name:      name,
				Arguments: trig.mapField("args"),
				RequestID: requestID,
			})
		}
		out <- Event{
			Type:      EventToolEnd,
			Tool:      name,
			Content:   formatResult(res),
			Data:      map[string]any{"ok": res.OK, "latency_ms": res.LatencyMS},
			RequestID: requestID,
		}
		out <- Event{Type: EventToken, Token: formatResult(res) + "\n", RequestID: requestID}
		return llm.Message{
			Role:    "system",
			Content: fmt.Sprintf("A trigger already ran tool %s for this message. Outcome: %s", name, formatResult(res)),
		}

	case ActionControlUI:
		action := trig.stringField("action")
		out <- Event{Type: EventToolStart, Tool: "control_ui", RequestID: requestID}
		out <- Event{Type: EventControlUI, Content: action, Data: trig.mapField("args"), RequestID: requestID}
		out <- Event{Type: EventToolEnd, Tool: "control_ui", Content: action, RequestID: requestID}
		return llm.Message{
			Role:    "system",
			Content: fmt.Sprintf("A trigger already issued UI action %q for this message.", action),
		}

	default: // ActionMenu
		items := trig.stringField("items")
		out <- Event{Type: EventToolStart, Tool: "menu", RequestID: requestID}
		out <- Event{Type: EventToolEnd, Tool: "menu", Content: items, RequestID: requestID}
		return llm.Message{
			Role:    "system",
			Content: "A trigger already presented a menu for this message: " + items,
		}
	}
}

// handleIntent executes a recognized intent branch; false means the caller
// should continue to the agent handover.
func (r *Regulator) handleIntent(ctx context.Context, out chan<- Event, intent Intent, requestID string) bool {
	if len(intent.AutoExecute) > 0 {
		for _, step := range intent.AutoExecute {
			out <- Event{Type: EventToolStart, Tool: step.Tool, RequestID: requestID}
			var res tools.Result
			if r.tools == nil {
				res = tools.Result{Tool: step.Tool, Error: "tool executor not configured"}
			} else {
				res = r.tools.Execute(ctx, tools.Call{Name: step.Tool, Arguments: step.Args, RequestID: requestID})
			}
			out <- Event{
				Type:      EventToolEnd,
				Tool:      step.Tool,
				Content:   formatResult(res),
				Data:      map[string]any{"ok": res.OK, "latency_ms": res.LatencyMS},
				RequestID: requestID,
			}
			out <- Event{Type: EventToken, Token: formatResult(res) + "\n", RequestID: requestID}
		}
		out <- Event{Type: EventDone, RequestID: requestID}
		return true
	}

	switch {
	case intent.Intent == "help":
		out <- Event{Type: EventToken, Token: helpText, RequestID: requestID}
		out <- Event{Type: EventDone, Content: helpText, RequestID: requestID}
		return true
	case intent.Intent == "restart":
		out <- Event{Type: EventControlUI, Content: "restart", RequestID: requestID}
		out <- Event{Type: EventDone, RequestID: requestID}
		return true
	case intent.Intent == "emoji":
		out <- Event{Type: EventControlUI, Content: "emoji", RequestID: requestID}
		out <- Event{Type: EventDone, RequestID: requestID}
		return true
	case strings.HasPrefix(intent.Intent, "enable_"), strings.HasPrefix(intent.Intent, "disable_"):
		enable := strings.HasPrefix(intent.Intent, "enable_")
		layer := strings.TrimPrefix(strings.TrimPrefix(intent.Intent, "enable_"), "disable_")
		r.layers.SetActive(layer, enable)
		out <- Event{
			Type:      EventLayerUpdate,
			Data:      map[string]any{"layer": layer, "active": enable},
			RequestID: requestID,
		}
		out <- Event{Type: EventDone, RequestID: requestID}
		return true
	}
	return false
}

// handover streams the agent loop while multiplexing queued system events.
// Whichever source is ready first is emitted; the loop ends when the agent
// stream closes.
func (r *Regulator) handover(ctx context.Context, out chan<- Event, messages []llm.Message, model, requestID string) {
	if r.agent == nil {
		out <- Event{Type: EventError, Err: "agent engine not configured", RequestID: requestID}
		return
	}
	stream, err := r.agent.Stream(ctx, messages, model, requestID)
	if err != nil {
		out <- Event{Type: EventError, Err: err.Error(), RequestID: requestID}
		return
	}

	for {
		select {
		case <-ctx.Done():
			out <- Event{Type: EventError, Err: ctx.Err().Error(), RequestID: requestID}
			return
		case <-r.queue.Wait():
			for _, ev := range r.queue.Drain(requestID) {
				ev.RequestID = requestID
				out <- ev
			}
		case ev, ok := <-stream:
			if !ok {
				return
			}
			out <- fromAgentEvent(ev, requestID)
		}
	}
}

// fromAgentEvent maps an agent event onto the regulator taxonomy.
func fromAgentEvent(ev agent.Event, requestID string) Event {
	mapped := Event{
		Type:      EventType(ev.Type),
		Token:     ev.Token,
		Tool:      ev.Tool,
		CallID:    ev.CallID,
		Content:   ev.Content,
		Err:       ev.Err,
		RequestID: requestID,
	}
	if ev.Result != nil {
		mapped.Content = formatResult(*ev.Result)
		mapped.Data = map[string]any{"ok": ev.Result.OK, "latency_ms": ev.Result.LatencyMS}
	}
	return mapped
}

func formatResult(res tools.Result) string {
	if res.Error != "" {
		return "error: " + res.Error
	}
	return fmt.Sprintf("%v", res.Result)
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func firstWord(message string) string {
	fields := strings.Fields(strings.ToLower(message))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,!?")
}
