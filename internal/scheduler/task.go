package scheduler

import (
	"context"
	"strings"
	"time"
)

// Kind distinguishes the four run-loop shapes.
type Kind string

const (
	KindPeriodic  Kind = "periodic"
	KindScheduled Kind = "scheduled"
	KindOneShot   Kind = "one-shot"
	KindMonitor   Kind = "monitor"
)

// Priority orders tasks and selects their failure policy.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackground
)

// ParsePriority maps a config string to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "background":
		return PriorityBackground
	default:
		return PriorityMedium
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "medium"
	}
}

// Tempo is the ordinal busyness level gating background work.
type Tempo int

const (
	TempoFocused Tempo = iota
	TempoAlert
	TempoReflective
	TempoDeep
)

// ParseTempo maps a tempo name to its ordinal. Unknown names are treated as
// FOCUSED so a misspelled gate never blocks a task forever.
func ParseTempo(s string) Tempo {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEEP":
		return TempoDeep
	case "REFLECTIVE":
		return TempoReflective
	case "ALERT":
		return TempoAlert
	default:
		return TempoFocused
	}
}

func (t Tempo) String() string {
	switch t {
	case TempoDeep:
		return "DEEP"
	case TempoReflective:
		return "REFLECTIVE"
	case TempoAlert:
		return "ALERT"
	default:
		return "FOCUSED"
	}
}

// Task is one registered unit of background work. Exactly one of Interval,
// Schedule or Delay must be set, matching Kind.
type Task struct {
	Name string
	Kind Kind

	Interval time.Duration // periodic, monitor
	Schedule string        // scheduled; see ParseSchedule
	Delay    time.Duration // one-shot

	Run func(ctx context.Context) error

	Enabled   bool
	Priority  Priority
	IdleOnly  bool
	MinTempo  string // empty = no gate
	TimeOfDay string // "NIGHT" or empty
	DependsOn []string

	MaxRetries int
	RetryDelay time.Duration

	Description string
}

// Status is the externally visible snapshot of one task.
type Status struct {
	Name                string        `json:"name"`
	Kind                Kind          `json:"kind"`
	Priority            string        `json:"priority"`
	Enabled             bool          `json:"enabled"`
	Running             bool          `json:"running"`
	RunCount            int64         `json:"run_count"`
	ErrorCount          int64         `json:"error_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastRun             time.Time     `json:"last_run"`
	NextRun             time.Time     `json:"next_run"`
	LastDuration        time.Duration `json:"last_duration"`
	Interval            time.Duration `json:"interval,omitempty"`
	Schedule            string        `json:"schedule,omitempty"`
	DependsOn           []string      `json:"depends_on,omitempty"`
}
