package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"antigravity/internal/breaker"
	"antigravity/internal/logging"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Minute
)

// Gates supplies the environment checks applied before each execution. Nil
// fields disable the corresponding gate.
type Gates struct {
	Idle  func() bool
	Tempo func() Tempo
	Night func(time.Time) bool
}

type taskState struct {
	mu   sync.Mutex
	spec Task

	enabled             bool
	running             bool
	consecutiveFailures int
	runCount            int64
	errorCount          int64
	lastError           string
	lastRun             time.Time
	nextRun             time.Time
	lastDuration        time.Duration

	cancel  context.CancelFunc
	trigger chan struct{}
}

// Scheduler runs registered tasks on their own loops, one in-flight execution
// per task, with retry, gating and the global failure breaker.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*taskState
	started bool
	root    context.Context
	cancel  context.CancelFunc

	global   *breaker.Global
	gates    Gates
	notifier Notifier
	logger   logging.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New creates a scheduler. global and notifier may be nil.
func New(global *breaker.Global, gates Gates, notifier Notifier, logger logging.Logger) *Scheduler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Scheduler{
		tasks:    make(map[string]*taskState),
		global:   global,
		gates:    gates,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Register adds or replaces a task by name. A replaced task's loop is
// cancelled and restarted with the new spec; registration while the scheduler
// runs starts the loop immediately for enabled tasks.
func (s *Scheduler) Register(task Task) error {
	if err := validate(task); err != nil {
		return err
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = defaultMaxRetries
	}
	if task.RetryDelay <= 0 {
		task.RetryDelay = defaultRetryDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[task.Name]; ok && old.cancel != nil {
		old.cancel()
	}
	st := &taskState{
		spec:    task,
		enabled: task.Enabled,
		trigger: make(chan struct{}, 1),
	}
	s.tasks[task.Name] = st
	s.logger.Info("Registered task %q (%s, priority=%s)", task.Name, task.Kind, task.Priority)

	if s.started && st.enabled {
		s.startLoopLocked(st)
	}
	return nil
}

func validate(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("scheduler: task name required")
	}
	if task.Run == nil {
		return fmt.Errorf("scheduler: task %q has no body", task.Name)
	}
	switch task.Kind {
	case KindPeriodic, KindMonitor:
		if task.Interval <= 0 {
			return fmt.Errorf("scheduler: task %q requires an interval", task.Name)
		}
	case KindScheduled:
		if task.Schedule == "" {
			return fmt.Errorf("scheduler: task %q requires a schedule", task.Name)
		}
	case KindOneShot:
		if task.Delay < 0 {
			return fmt.Errorf("scheduler: task %q has negative delay", task.Name)
		}
	default:
		return fmt.Errorf("scheduler: task %q has unknown kind %q", task.Name, task.Kind)
	}
	return nil
}

// Unregister cancels the task's loop and removes it.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[name]; ok {
		if st.cancel != nil {
			st.cancel()
		}
		delete(s.tasks, name)
		s.logger.Info("Unregistered task %q", name)
	}
}

// Enable flips the task on and starts its loop when the scheduler runs.
func (s *Scheduler) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	st.mu.Lock()
	already := st.enabled
	st.enabled = true
	st.mu.Unlock()
	if s.started && !already {
		s.startLoopLocked(st)
	}
	return nil
}

// Disable flips the task off; the loop exits at its next suspension point.
func (s *Scheduler) Disable(name string) error {
	s.mu.Lock()
	st, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	s.disableState(st)
	return nil
}

func (s *Scheduler) disableState(st *taskState) {
	st.mu.Lock()
	st.enabled = false
	cancel := st.cancel
	st.cancel = nil
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Trigger queues an immediate execution. Fails while the task is running.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	st, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	st.mu.Lock()
	running := st.running
	enabled := st.enabled
	st.mu.Unlock()
	if running {
		return fmt.Errorf("scheduler: task %q is already running", name)
	}
	if !enabled {
		return fmt.Errorf("scheduler: task %q is disabled", name)
	}
	select {
	case st.trigger <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("scheduler: task %q already has a trigger pending", name)
	}
}

// Status snapshots every registered task, sorted by name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	states := make([]*taskState, 0, len(s.tasks))
	for _, st := range s.tasks {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *taskState) snapshot() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Status{
		Name:                st.spec.Name,
		Kind:                st.spec.Kind,
		Priority:            st.spec.Priority.String(),
		Enabled:             st.enabled,
		Running:             st.running,
		RunCount:            st.runCount,
		ErrorCount:          st.errorCount,
		ConsecutiveFailures: st.consecutiveFailures,
		LastError:           st.lastError,
		LastRun:             st.lastRun,
		NextRun:             st.nextRun,
		LastDuration:        st.lastDuration,
		Interval:            st.spec.Interval,
		Schedule:            st.spec.Schedule,
		DependsOn:           st.spec.DependsOn,
	}
}

// Upcoming lists enabled tasks whose next run falls inside the window,
// sorted by (priority, seconds-until).
func (s *Scheduler) Upcoming(window time.Duration) []Status {
	horizon := s.now().Add(window)
	var out []Status
	for _, snap := range s.Status() {
		if !snap.Enabled || snap.NextRun.IsZero() || snap.NextRun.After(horizon) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := ParsePriority(out[i].Priority), ParsePriority(out[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

// Start launches a loop for every enabled task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.root, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, st := range s.tasks {
		st.mu.Lock()
		enabled := st.enabled
		st.mu.Unlock()
		if enabled {
			s.startLoopLocked(st)
		}
	}
	s.logger.Info("Scheduler started with %d tasks", len(s.tasks))
}

// Stop cancels all loops and waits for in-flight bodies to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// startLoopLocked spawns the run loop for one task. Caller holds s.mu.
func (s *Scheduler) startLoopLocked(st *taskState) {
	ctx, cancel := context.WithCancel(s.root)
	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	st.cancel = cancel
	st.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(ctx, st)
}

func (s *Scheduler) runLoop(ctx context.Context, st *taskState) {
	defer s.wg.Done()

	switch st.spec.Kind {
	case KindOneShot:
		st.setNextRun(s.now().Add(st.spec.Delay))
		if !s.wait(ctx, st, st.spec.Delay) {
			return
		}
		s.attempt(ctx, st)
		s.disableState(st)

	case KindScheduled:
		for {
			d, err := ParseSchedule(st.spec.Schedule, s.now())
			if err != nil {
				s.logger.Warn("Task %q: %v, falling back to %s", st.spec.Name, err, FallbackInterval)
				d = FallbackInterval
			}
			st.setNextRun(s.now().Add(d))
			if !s.wait(ctx, st, d) {
				return
			}
			s.attempt(ctx, st)
		}

	default: // periodic, monitor
		for {
			st.setNextRun(s.now().Add(st.spec.Interval))
			if !s.wait(ctx, st, st.spec.Interval) {
				return
			}
			s.attempt(ctx, st)
		}
	}
}

func (st *taskState) setNextRun(t time.Time) {
	st.mu.Lock()
	st.nextRun = t
	st.mu.Unlock()
}

// wait sleeps for d or until a manual trigger. Returns false on cancellation.
func (s *Scheduler) wait(ctx context.Context, st *taskState, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-st.trigger:
		return true
	}
}

// attempt applies the gate sequence, then runs the body with retry.
func (s *Scheduler) attempt(ctx context.Context, st *taskState) {
	spec := st.spec

	if s.global != nil && s.global.Tripped() {
		s.logger.Debug("Task %q skipped: global breaker open", spec.Name)
		return
	}
	for _, dep := range spec.DependsOn {
		if s.dependencyErrors(dep) > 0 {
			s.logger.Info("Task %q: dependency %q has errors, proceeding anyway", spec.Name, dep)
		}
	}
	if spec.IdleOnly && s.gates.Idle != nil && !s.gates.Idle() {
		if spec.Priority != PriorityBackground {
			s.logger.Debug("Task %q skipped: system not idle", spec.Name)
		}
		return
	}
	if spec.MinTempo != "" && s.gates.Tempo != nil {
		if s.gates.Tempo() < ParseTempo(spec.MinTempo) {
			return
		}
	}
	if spec.TimeOfDay == "NIGHT" && s.gates.Night != nil && !s.gates.Night(s.now()) {
		return
	}

	for {
		err := s.runOnce(ctx, st)
		if err == nil {
			st.mu.Lock()
			st.consecutiveFailures = 0
			st.lastError = ""
			st.mu.Unlock()
			return
		}

		st.mu.Lock()
		st.consecutiveFailures++
		st.errorCount++
		st.lastError = err.Error()
		k := st.consecutiveFailures
		enabled := st.enabled
		st.mu.Unlock()

		s.logger.Warn("Task %q failed (streak %d): %v", spec.Name, k, err)
		if s.global != nil {
			s.global.RecordFailure()
		}
		if spec.Priority == PriorityCritical {
			s.notifier.Notify(ctx, NotifyCritical, "Critical task failure",
				fmt.Sprintf("task %q failed: %v", spec.Name, err))
		}

		if k > spec.MaxRetries {
			if spec.Priority != PriorityCritical {
				s.disableState(st)
				s.notifier.Notify(ctx, NotifyHigh, "Task auto-disabled",
					fmt.Sprintf("task %q disabled after %d consecutive failures: %v", spec.Name, k, err))
			}
			return
		}
		if spec.Priority == PriorityBackground || !enabled {
			return
		}

		delay := time.Duration(float64(spec.RetryDelay) * retryJitter(spec.Name, k))
		s.logger.Info("Task %q retrying in %s", spec.Name, delay.Round(time.Millisecond))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.global != nil && s.global.Tripped() {
			return
		}
	}
}

// runOnce executes the body exactly once, recovering panics into errors.
func (s *Scheduler) runOnce(ctx context.Context, st *taskState) (err error) {
	start := s.now()
	st.mu.Lock()
	st.running = true
	st.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		st.mu.Lock()
		st.running = false
		st.runCount++
		st.lastRun = start
		st.lastDuration = s.now().Sub(start)
		st.mu.Unlock()
	}()
	return st.spec.Run(ctx)
}

func (s *Scheduler) dependencyErrors(name string) int64 {
	s.mu.Lock()
	st, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.errorCount
}
