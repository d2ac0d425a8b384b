package scheduler

import (
	"context"
	"fmt"
	"time"

	"antigravity/internal/logging"
)

// Consolidator extracts facts from unconsolidated episodes.
type Consolidator interface {
	Consolidate(ctx context.Context, batch int) (int, error)
}

// SovereignSync mirrors on-disk markdown into the state store.
type SovereignSync interface {
	Sync(ctx context.Context) (int, error)
}

// BuiltinDeps wires the built-in task bodies.
type BuiltinDeps struct {
	Consolidator  Consolidator
	Sovereign     SovereignSync
	Runner        TaskRunner // prompt tasks
	HealthProbe   func(ctx context.Context) error
	PruneStale    func(ctx context.Context) error
	EvaluateTools func(ctx context.Context) error
	AuditFacts    func(ctx context.Context) error
}

// RegisterBuiltins registers the standing background tasks. Each is
// registered exactly once; names already present are left untouched so a
// reloaded definition wins over the built-in default.
func (s *Scheduler) RegisterBuiltins(deps BuiltinDeps, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	builtins := builtinTasks(deps)
	for _, task := range builtins {
		if task.Run == nil {
			logger.Debug("Built-in task %q skipped: no implementation wired", task.Name)
			continue
		}
		s.mu.Lock()
		_, exists := s.tasks[task.Name]
		s.mu.Unlock()
		if exists {
			logger.Debug("Built-in task %q already registered", task.Name)
			continue
		}
		if err := s.Register(task); err != nil {
			return fmt.Errorf("register built-in %q: %w", task.Name, err)
		}
	}
	return nil
}

func builtinTasks(deps BuiltinDeps) []Task {
	var consolidate, sovereign func(ctx context.Context) error
	if deps.Consolidator != nil {
		consolidate = func(ctx context.Context) error {
			_, err := deps.Consolidator.Consolidate(ctx, 20)
			return err
		}
	}
	if deps.Sovereign != nil {
		sovereign = func(ctx context.Context) error {
			_, err := deps.Sovereign.Sync(ctx)
			return err
		}
	}
	var briefing, research func(ctx context.Context) error
	if deps.Runner != nil {
		briefing = func(ctx context.Context) error {
			return deps.Runner.RunPrompt(ctx, "morning_briefing",
				"Summarize overnight system activity, pending tasks and notable memory changes into a short briefing.")
		}
		research = func(ctx context.Context) error {
			return deps.Runner.RunPrompt(ctx, "daily_research",
				"Review open topics in the knowledge base and research one of them, storing new facts.")
		}
	}

	return []Task{
		{
			Name: "morning_briefing", Kind: KindScheduled, Schedule: "07:30",
			Enabled: true, Priority: PriorityHigh, Run: briefing,
			Description: "Daily summary of overnight activity.",
		},
		{
			Name: "daily_research", Kind: KindScheduled, Schedule: "14:00",
			Enabled: true, Priority: PriorityLow, IdleOnly: true, MinTempo: "REFLECTIVE",
			Run: research, Description: "Self-directed research on open topics.",
		},
		{
			Name: "memory_consolidation", Kind: KindPeriodic, Interval: 30 * time.Minute,
			Enabled: true, Priority: PriorityMedium, IdleOnly: true,
			Run: consolidate, Description: "Extract facts from unconsolidated episodes.",
		},
		{
			Name: "sovereign_sync", Kind: KindPeriodic, Interval: 5 * time.Minute,
			Enabled: true, Priority: PriorityMedium,
			Run: sovereign, Description: "Mirror changed markdown into the store.",
		},
		{
			Name: "stale_pruner", Kind: KindScheduled, Schedule: "03:30", TimeOfDay: "NIGHT",
			Enabled: true, Priority: PriorityBackground,
			Run: deps.PruneStale, Description: "Drop low-confidence stale facts.",
		},
		{
			Name: "confidence_audit", Kind: KindScheduled, Schedule: "02:30", TimeOfDay: "NIGHT",
			Enabled: true, Priority: PriorityBackground,
			Run: deps.AuditFacts, Description: "Re-score fact confidence against model knowledge.",
		},
		{
			Name: "tool_evaluation", Kind: KindScheduled, Schedule: "*/6 hours",
			Enabled: true, Priority: PriorityBackground,
			Run: deps.EvaluateTools, Description: "Refresh tool ratings from performance counters.",
		},
		{
			Name: "health_monitor", Kind: KindMonitor, Interval: time.Minute,
			Enabled: true, Priority: PriorityCritical,
			Run: deps.HealthProbe, Description: "Probe subsystem health.",
		},
	}
}
