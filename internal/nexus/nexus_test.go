package nexus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/agent"
	"antigravity/internal/llm"
	"antigravity/internal/tools"
)

type fakeAgent struct {
	mu       sync.Mutex
	calls    int
	messages []llm.Message
	events   []agent.Event
}

func (f *fakeAgent) Stream(ctx context.Context, messages []llm.Message, model, requestID string) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.calls++
	f.messages = append([]llm.Message(nil), messages...)
	f.mu.Unlock()

	out := make(chan agent.Event, len(f.events)+1)
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []tools.Call
	results map[string]tools.Result
}

func (f *fakeRunner) Execute(ctx context.Context, call tools.Call) tools.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if res, ok := f.results[call.Name]; ok {
		return res
	}
	return tools.Result{OK: true, Result: "done", Tool: call.Name}
}

type scriptedClassifier struct {
	intent Intent
	err    error
	calls  int
}

func (s *scriptedClassifier) ClassifyJSON(ctx context.Context, model, system, user string, target any) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	*(target.(*Intent)) = s.intent
	return nil
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("dispatch did not finish, got %d events", len(events))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func userTurn(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

func TestDispatchTrivialGreetingSkipsAgent(t *testing.T) {
	ag := &fakeAgent{}
	reg := New(nil, nil, nil, nil, nil, ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("hey there"), "", "req-1"))

	require.Equal(t, []EventType{EventToken, EventDone}, eventTypes(events))
	assert.Equal(t, defaultGreeting, events[0].Token)
	assert.Equal(t, 0, ag.callCount())
}

func TestDispatchShortMessageWithActionVerbReachesAgent(t *testing.T) {
	ag := &fakeAgent{events: []agent.Event{{Type: agent.EventDone, Content: "searching"}}}
	reg := New(nil, nil, nil, nil, nil, ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("search my notes"), "", "req-2"))

	require.Equal(t, 1, ag.callCount())
	require.Equal(t, []EventType{EventDone}, eventTypes(events))
	assert.Equal(t, "searching", events[0].Content)
}

func TestDispatchTrivialNotAppliedWithPriorContext(t *testing.T) {
	ag := &fakeAgent{events: []agent.Event{{Type: agent.EventDone, Content: "sure"}}}
	reg := New(nil, nil, nil, nil, nil, ag, nil)

	msgs := []llm.Message{
		{Role: "user", Content: "what did we decide about the deploy?"},
		{Role: "assistant", Content: "we postponed it"},
		{Role: "user", Content: "ok thanks"},
	}
	collect(t, reg.Dispatch(context.Background(), msgs, "", "req-3"))

	assert.Equal(t, 1, ag.callCount())
}

func TestDispatchToolCallTriggerBlendsIntoAgent(t *testing.T) {
	triggers := NewTriggerRegistry(nil)
	require.NoError(t, triggers.Replace([]Trigger{{
		Pattern:    `^flush the cache$`,
		ActionType: ActionToolCall,
		ActionData: map[string]any{"tool": "run_command", "args": map[string]any{"command": "flush"}},
	}}))
	runner := &fakeRunner{results: map[string]tools.Result{
		"run_command": {OK: true, Result: "cache flushed", Tool: "run_command"},
	}}
	ag := &fakeAgent{events: []agent.Event{{Type: agent.EventDone, Content: "All clear."}}}
	reg := New(triggers, nil, nil, runner, nil, ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("Flush the cache"), "", "req-4"))

	require.Equal(t, []EventType{EventToolStart, EventToolEnd, EventToken, EventDone}, eventTypes(events))
	assert.Equal(t, "run_command", events[0].Tool)
	assert.Equal(t, "cache flushed", events[1].Content)
	assert.Equal(t, "cache flushed\n", events[2].Token)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "flush", runner.calls[0].Arguments["command"])

	// The agent turn sees a synthesized system message about the trigger.
	require.Equal(t, 1, ag.callCount())
	last := ag.messages[len(ag.messages)-1]
	assert.Equal(t, "system", last.Role)
	assert.Contains(t, last.Content, "run_command")
	assert.Contains(t, last.Content, "cache flushed")
}

func TestDispatchUILayerTriggerInactiveStops(t *testing.T) {
	triggers := NewTriggerRegistry(nil)
	require.NoError(t, triggers.Replace([]Trigger{{
		Pattern:    `^dim the emoji layer$`,
		ActionType: ActionUILayer,
		ActionData: map[string]any{"layer": LayerEmoji, "opacity": 0.2},
	}}))
	layers := NewLayers()
	layers.SetActive(LayerEmoji, false)
	ag := &fakeAgent{}
	reg := New(triggers, layers, nil, nil, nil, ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("dim the emoji layer"), "", "req-5"))

	require.Equal(t, []EventType{EventSystemStatus, EventDone}, eventTypes(events))
	assert.Equal(t, false, events[0].Data["active"])
	assert.Equal(t, 0, ag.callCount())
}

func TestDispatchUILayerTriggerActiveUpdates(t *testing.T) {
	triggers := NewTriggerRegistry(nil)
	require.NoError(t, triggers.Replace([]Trigger{{
		Pattern:    `^dim the emoji layer$`,
		ActionType: ActionUILayer,
		ActionData: map[string]any{"layer": LayerEmoji, "opacity": 0.2},
	}}))
	layers := NewLayers()
	reg := New(triggers, layers, nil, nil, nil, &fakeAgent{}, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("dim the emoji layer"), "", "req-6"))

	require.Equal(t, []EventType{EventLayerUpdate, EventDone}, eventTypes(events))
	assert.Equal(t, 0.2, events[0].Data["opacity"])
	assert.Equal(t, 0.2, layers.Get(LayerEmoji).Opacity)
}

func TestDispatchDiagnosticTriggerEmitsPair(t *testing.T) {
	triggers := NewTriggerRegistry(nil)
	require.NoError(t, triggers.Replace([]Trigger{{
		Pattern:    `^ping yourself$`,
		ActionType: ActionDiagnostic,
		ActionData: map[string]any{"name": "self_check", "output": "all subsystems nominal"},
	}}))
	ag := &fakeAgent{}
	reg := New(triggers, nil, nil, nil, nil, ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("ping yourself"), "", "req-7"))

	require.Equal(t, []EventType{EventToolStart, EventToolEnd, EventDone}, eventTypes(events))
	assert.Equal(t, "self_check", events[0].Tool)
	assert.Equal(t, "all subsystems nominal", events[1].Content)
	assert.Equal(t, 0, ag.callCount())
}

func TestDispatchDrainsQueuedEventsForRequest(t *testing.T) {
	queue := NewSystemQueue()
	queue.Push(Event{Type: EventSystemStatus, Content: "backup finished"})
	queue.Push(Event{Type: EventSystemStatus, Content: "other request", RequestID: "someone-else"})
	ag := &fakeAgent{events: []agent.Event{{Type: agent.EventDone, Content: "hi"}}}
	reg := New(nil, nil, queue, nil, nil, ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("summarize the backup situation please"), "", "req-8"))

	require.Equal(t, []EventType{EventSystemStatus, EventDone}, eventTypes(events))
	assert.Equal(t, "backup finished", events[0].Content)
	assert.Equal(t, "req-8", events[0].RequestID)

	// The foreign event is still queued.
	left := queue.Drain("someone-else")
	require.Len(t, left, 1)
	assert.Equal(t, "other request", left[0].Content)
}

func TestDispatchIntentAutoExecutePlan(t *testing.T) {
	runner := &fakeRunner{}
	classifier := &scriptedClassifier{intent: Intent{
		Intent:      "prompt",
		AutoExecute: []AutoStep{{Tool: "query_facts", Args: map[string]any{"query": "standup"}}},
	}}
	ag := &fakeAgent{}
	reg := New(nil, nil, nil, runner, NewIntentClassifier(classifier, "fast-model", nil), ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("pull up whatever we said at standup yesterday"), "", "req-9"))

	require.Equal(t, []EventType{EventToolStart, EventToolEnd, EventToken, EventDone}, eventTypes(events))
	assert.Equal(t, "query_facts", events[0].Tool)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "standup", runner.calls[0].Arguments["query"])
	assert.Equal(t, 0, ag.callCount())
}

func TestDispatchIntentDisablesLayer(t *testing.T) {
	layers := NewLayers()
	classifier := &scriptedClassifier{intent: Intent{Intent: "disable_emoji"}}
	reg := New(nil, layers, nil, nil, NewIntentClassifier(classifier, "fast-model", nil), &fakeAgent{}, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("please turn off the emoji overlay for now"), "", "req-10"))

	require.Equal(t, []EventType{EventLayerUpdate, EventDone}, eventTypes(events))
	assert.False(t, layers.Get(LayerEmoji).Active)
}

func TestDispatchClassifierFailureFallsThroughToAgent(t *testing.T) {
	classifier := &scriptedClassifier{err: fmt.Errorf("model offline")}
	ag := &fakeAgent{events: []agent.Event{{Type: agent.EventDone, Content: "fallback"}}}
	reg := New(nil, nil, nil, nil, NewIntentClassifier(classifier, "fast-model", nil), ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("walk me through yesterday's failures in detail"), "", "req-11"))

	require.Equal(t, 1, classifier.calls)
	require.Equal(t, 1, ag.callCount())
	assert.Equal(t, "fallback", events[len(events)-1].Content)
}

func TestDispatchAgentEventsMappedOntoTaxonomy(t *testing.T) {
	ag := &fakeAgent{events: []agent.Event{
		{Type: agent.EventToken, Token: "Work"},
		{Type: agent.EventToolStart, Tool: "query_facts", CallID: "c1"},
		{Type: agent.EventToolEnd, Tool: "query_facts", CallID: "c1", Result: &tools.Result{OK: true, Result: "3 facts", LatencyMS: 12}},
		{Type: agent.EventToken, Token: "ing"},
		{Type: agent.EventDone, Content: "Working"},
	}}
	reg := New(nil, nil, nil, nil, nil, ag, nil)

	events := collect(t, reg.Dispatch(context.Background(), userTurn("give me a rundown of open follow-ups"), "", "req-12"))

	require.Equal(t, []EventType{EventToken, EventToolStart, EventToolEnd, EventToken, EventDone}, eventTypes(events))
	assert.Equal(t, "3 facts", events[2].Content)
	assert.Equal(t, true, events[2].Data["ok"])
	for _, ev := range events {
		assert.Equal(t, "req-12", ev.RequestID)
	}
}

func TestTriggerRegistrySkipsInvalidPatterns(t *testing.T) {
	triggers := NewTriggerRegistry(nil)
	require.NoError(t, triggers.Replace([]Trigger{
		{Pattern: `([unclosed`, ActionType: ActionMenu},
		{Pattern: `^help$`, ActionType: ActionMenu, ActionData: map[string]any{"items": "a, b"}},
	}))
	assert.Equal(t, 1, triggers.Len())
	require.NotNil(t, triggers.Match("HELP"))
	assert.Nil(t, triggers.Match("helper"))
}
