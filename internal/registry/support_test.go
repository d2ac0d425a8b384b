package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/agent"
	"antigravity/internal/llm"
	"antigravity/internal/nexus"
	"antigravity/internal/scheduler"
)

func TestActivityTrackerStartsIdle(t *testing.T) {
	tracker := newActivityTracker()
	assert.True(t, tracker.Idle())

	tracker.Touch()
	assert.False(t, tracker.Idle())
}

func TestQueueNotifierPushesSystemStatus(t *testing.T) {
	queue := nexus.NewSystemQueue()
	notifier := &queueNotifier{queue: queue, logger: nopLogger{}}
	notifier.Notify(context.Background(), scheduler.NotifyCritical, "Task failed", "daily_research blew up")

	events := queue.Drain("")
	require.Len(t, events, 1)
	assert.Equal(t, nexus.EventSystemStatus, events[0].Type)
	assert.Contains(t, events[0].Content, "daily_research")
	assert.Equal(t, "critical", events[0].Data["level"])
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type loopRecorder struct {
	prompts []string
	names   []string
}

func (l *loopRecorder) Loop(ctx context.Context, messages []llm.Message, model, requestID string) (*llm.CompletionResponse, error) {
	l.prompts = append(l.prompts, messages[len(messages)-1].Content)
	l.names = append(l.names, requestID)
	return &llm.CompletionResponse{Content: "done"}, nil
}

func TestPromptRunnerRoutesThroughAgentLoop(t *testing.T) {
	rec := &loopRecorder{}
	runner := &promptRunner{agent: rec}

	require.NoError(t, runner.RunPrompt(context.Background(), "morning_briefing", "Summarize my day."))
	require.Equal(t, []string{"Summarize my day."}, rec.prompts)
	assert.Equal(t, []string{"task-morning_briefing"}, rec.names)
}

func TestTrackedDispatcherTouchesActivity(t *testing.T) {
	tracker := newActivityTracker()
	require.True(t, tracker.Idle())

	reg := nexus.New(nil, nil, nil, nil, nil, stubStreamer{}, nil)
	d := &trackedDispatcher{regulator: reg, activity: tracker}

	ch := d.Dispatch(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, "", "r1")
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				assert.False(t, tracker.Idle())
				return
			}
		case <-deadline:
			t.Fatal("dispatch did not complete")
		}
	}
}

type stubStreamer struct{}

func (stubStreamer) Stream(ctx context.Context, messages []llm.Message, model, requestID string) (<-chan agent.Event, error) {
	ch := make(chan agent.Event)
	close(ch)
	return ch, nil
}
