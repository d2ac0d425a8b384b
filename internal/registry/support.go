package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"antigravity/internal/llm"
	"antigravity/internal/logging"
	"antigravity/internal/nexus"
	"antigravity/internal/scheduler"
)

const idleAfter = 5 * time.Minute

// activityTracker marks the process busy while chat requests flow; idle-only
// tasks wait for a quiet spell.
type activityTracker struct {
	last atomic.Int64
}

func newActivityTracker() *activityTracker {
	t := &activityTracker{}
	// Fresh processes start idle.
	t.last.Store(time.Now().Add(-idleAfter).UnixNano())
	return t
}

func (t *activityTracker) Touch() {
	t.last.Store(time.Now().UnixNano())
}

func (t *activityTracker) Idle() bool {
	return time.Since(time.Unix(0, t.last.Load())) >= idleAfter
}

// trackedDispatcher records chat activity on the way into the regulator.
type trackedDispatcher struct {
	regulator *nexus.Regulator
	activity  *activityTracker
}

func (d *trackedDispatcher) Dispatch(ctx context.Context, messages []llm.Message, model, requestID string) <-chan nexus.Event {
	d.activity.Touch()
	return d.regulator.Dispatch(ctx, messages, model, requestID)
}

// promptRunner executes scheduled prompt tasks through the agent loop.
type promptRunner struct {
	agent interface {
		Loop(ctx context.Context, messages []llm.Message, model, requestID string) (*llm.CompletionResponse, error)
	}
}

func (r *promptRunner) RunPrompt(ctx context.Context, taskName, prompt string) error {
	_, err := r.agent.Loop(ctx, []llm.Message{{Role: "user", Content: prompt}}, "", "task-"+taskName)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskName, err)
	}
	return nil
}

// queueNotifier surfaces scheduler notifications on the system-event queue
// so the next chat turn sees them, and mirrors them to the log.
type queueNotifier struct {
	queue  *nexus.SystemQueue
	logger logging.Logger
}

func (n *queueNotifier) Notify(ctx context.Context, level scheduler.NotifyLevel, title, message string) {
	n.logger.Warn("[%s] %s: %s", level, title, message)
	n.queue.Push(nexus.Event{
		Type:    nexus.EventSystemStatus,
		Content: title + ": " + message,
		Data:    map[string]any{"level": string(level)},
	})
}

// statusRollup aggregates subsystem state for the admin endpoint and the
// get_system_status tool.
type statusRollup struct {
	app *App
}

func (r *statusRollup) SystemStatus(ctx context.Context) (map[string]any, error) {
	a := r.app

	dbOK := a.Store.Ping(ctx) == nil

	taskStatuses := a.Scheduler.Status()
	running := 0
	for _, st := range taskStatuses {
		if st.Running {
			running++
		}
	}

	out := map[string]any{
		"uptime_s": int64(time.Since(a.started).Seconds()),
		"database": map[string]any{"ok": dbOK},
		"scheduler": map[string]any{
			"tasks":   len(taskStatuses),
			"running": running,
			"paused":  a.Global.Tripped(),
		},
		"mcp": map[string]any{
			"servers":  a.MCP.ServerNames(),
			"breakers": a.Breakers.States(),
			"sessions": a.MCPServer.Sessions().Count(),
		},
		"layers": a.Nexus.Layers().Snapshot(),
		"idle":   a.activity.Idle(),
	}
	return out, nil
}
