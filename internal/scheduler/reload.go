package scheduler

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"antigravity/internal/async"
	"antigravity/internal/logging"
	"antigravity/internal/state"
)

const rescanInterval = 60 * time.Second

// TaskRunner executes declarative prompt tasks through the agent loop.
type TaskRunner interface {
	RunPrompt(ctx context.Context, taskName, prompt string) error
}

// DefSource lists task definitions persisted in the state store.
type DefSource interface {
	ListTaskDefs(ctx context.Context) ([]state.TaskDef, error)
}

// fileTaskSpec is the on-disk YAML shape of one declarative task.
type fileTaskSpec struct {
	Name           string   `yaml:"name"`
	Type           string   `yaml:"type"`
	Enabled        *bool    `yaml:"enabled"`
	Schedule       string   `yaml:"schedule"`
	IdleOnly       bool     `yaml:"idle_only"`
	Priority       string   `yaml:"priority"`
	MinTempo       string   `yaml:"min_tempo"`
	TimeOfDay      string   `yaml:"time_of_day"`
	DependsOn      []string `yaml:"depends_on"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryDelaySecs int      `yaml:"retry_delay_seconds"`
	Prompt         string   `yaml:"prompt"`
	Description    string   `yaml:"description"`
}

// Reloader re-registers declarative tasks when their YAML files or state-store
// rows change. Files are watched with fsnotify plus a periodic rescan; file
// deletion never unregisters a task.
type Reloader struct {
	dir    string
	sched  *Scheduler
	source DefSource
	runner TaskRunner
	every  time.Duration
	logger logging.Logger
	hashes map[string][sha256.Size]byte
}

// NewReloader creates a reloader over one task-definition directory. dir and
// source may each be empty/nil.
func NewReloader(dir string, sched *Scheduler, source DefSource, runner TaskRunner, logger logging.Logger) *Reloader {
	return &Reloader{
		dir:    dir,
		sched:  sched,
		source: source,
		runner: runner,
		every:  rescanInterval,
		logger: logging.OrNop(logger),
		hashes: make(map[string][sha256.Size]byte),
	}
}

// SetInterval overrides the periodic rescan cadence.
func (r *Reloader) SetInterval(d time.Duration) {
	if d > 0 {
		r.every = d
	}
}

// Start performs an initial scan, then watches for changes until ctx ends.
func (r *Reloader) Start(ctx context.Context) error {
	r.Scan(ctx)

	var watcher *fsnotify.Watcher
	if r.dir != "" {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("task reload watcher: %w", err)
		}
		if err := watcher.Add(r.dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", r.dir, err)
		}
	}

	async.Go(r.logger, "scheduler.reload", func() {
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(r.every)
		defer ticker.Stop()
		for {
			var events <-chan fsnotify.Event
			if watcher != nil {
				events = watcher.Events
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Scan(ctx)
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					r.Scan(ctx)
				}
			}
		}
	})
	return nil
}

// Scan reads every definition source and re-registers changed tasks.
func (r *Reloader) Scan(ctx context.Context) {
	if r.dir != "" {
		r.scanDir()
	}
	if r.source != nil {
		r.scanStore(ctx)
	}
}

func (r *Reloader) scanDir() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Warn("Task definition dir %s unreadable: %v", r.dir, err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("Read task file %s: %v", path, err)
			continue
		}
		sum := sha256.Sum256(data)
		if prev, ok := r.hashes["file:"+path]; ok && prev == sum {
			continue
		}

		var spec fileTaskSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			r.logger.Warn("Parse task file %s: %v", path, err)
			continue
		}
		if err := r.registerSpec(spec); err != nil {
			r.logger.Warn("Register task from %s: %v", path, err)
			continue
		}
		r.hashes["file:"+path] = sum
	}
}

func (r *Reloader) scanStore(ctx context.Context) {
	defs, err := r.source.ListTaskDefs(ctx)
	if err != nil {
		r.logger.Warn("List task defs: %v", err)
		return
	}
	for _, def := range defs {
		enabled := def.Enabled
		spec := fileTaskSpec{
			Name:        def.Name,
			Type:        def.Type,
			Enabled:     &enabled,
			Schedule:    def.Schedule,
			IdleOnly:    def.IdleOnly,
			Priority:    def.Priority,
			Prompt:      def.Prompt,
			Description: def.Description,
		}
		raw, err := yaml.Marshal(spec)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(raw)
		if prev, ok := r.hashes["db:"+def.Name]; ok && prev == sum {
			continue
		}
		if err := r.registerSpec(spec); err != nil {
			r.logger.Warn("Register task def %q: %v", def.Name, err)
			continue
		}
		r.hashes["db:"+def.Name] = sum
	}
}

// registerSpec converts a declarative spec into a Task and registers it.
func (r *Reloader) registerSpec(spec fileTaskSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("task spec without a name")
	}
	if r.runner == nil {
		return fmt.Errorf("no task runner configured")
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(spec.Type)))
	if kind == "" {
		kind = KindScheduled
	}

	task := Task{
		Name:        spec.Name,
		Kind:        kind,
		Enabled:     spec.Enabled == nil || *spec.Enabled,
		Priority:    ParsePriority(spec.Priority),
		IdleOnly:    spec.IdleOnly,
		MinTempo:    spec.MinTempo,
		TimeOfDay:   spec.TimeOfDay,
		DependsOn:   spec.DependsOn,
		MaxRetries:  spec.MaxRetries,
		RetryDelay:  time.Duration(spec.RetryDelaySecs) * time.Second,
		Description: spec.Description,
	}

	switch kind {
	case KindPeriodic, KindMonitor:
		d, err := ParseSchedule(spec.Schedule, time.Now())
		if err != nil {
			r.logger.Warn("Task %q: %v, falling back to %s", spec.Name, err, FallbackInterval)
			d = FallbackInterval
		}
		task.Interval = d
	case KindScheduled:
		task.Schedule = spec.Schedule
	case KindOneShot:
		d, err := ParseSchedule(spec.Schedule, time.Now())
		if err != nil {
			d = 0
		}
		task.Delay = d
	default:
		return fmt.Errorf("task %q: unknown type %q", spec.Name, spec.Type)
	}

	name, prompt := spec.Name, spec.Prompt
	task.Run = func(ctx context.Context) error {
		if prompt == "" {
			return fmt.Errorf("task %q has no prompt", name)
		}
		return r.runner.RunPrompt(ctx, name, prompt)
	}

	return r.sched.Register(task)
}
