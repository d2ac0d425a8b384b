package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/state"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingRunner) RunPrompt(_ context.Context, taskName, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, taskName)
	return nil
}

type fakeDefSource struct {
	defs []state.TaskDef
}

func (f *fakeDefSource) ListTaskDefs(context.Context) ([]state.TaskDef, error) {
	return f.defs, nil
}

func findStatus(t *testing.T, s *Scheduler, name string) Status {
	t.Helper()
	for _, snap := range s.Status() {
		if snap.Name == name {
			return snap
		}
	}
	t.Fatalf("task %q not registered", name)
	return Status{}
}

func TestReloaderRegistersFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "briefing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: evening_recap
type: scheduled
schedule: "21:00"
priority: low
prompt: "Recap the day."
`), 0o644))

	sched := New(nil, Gates{}, nil, nil)
	r := NewReloader(dir, sched, nil, &recordingRunner{}, nil)
	r.Scan(context.Background())

	snap := findStatus(t, sched, "evening_recap")
	assert.Equal(t, KindScheduled, snap.Kind)
	assert.Equal(t, "21:00", snap.Schedule)
	assert.Equal(t, "low", snap.Priority)
	assert.True(t, snap.Enabled)
}

func TestReloaderUnchangedFileIsNotReRegistered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: probe
type: periodic
schedule: "3600"
prompt: "Check things."
`), 0o644))

	sched := New(nil, Gates{}, nil, nil)
	r := NewReloader(dir, sched, nil, &recordingRunner{}, nil)
	r.Scan(context.Background())
	require.Len(t, sched.Status(), 1)

	// Second scan of identical content is a no-op; a changed file re-registers.
	r.Scan(context.Background())
	require.Len(t, sched.Status(), 1)

	require.NoError(t, os.WriteFile(path, []byte(`
name: probe
type: periodic
schedule: "*/5 minutes"
prompt: "Check things."
`), 0o644))
	r.Scan(context.Background())
	snap := findStatus(t, sched, "probe")
	assert.Equal(t, "5m0s", snap.Interval.String())
}

func TestReloaderDeletionDoesNotUnregister(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: keeper
type: scheduled
schedule: "04:00"
prompt: "Stay put."
`), 0o644))

	sched := New(nil, Gates{}, nil, nil)
	r := NewReloader(dir, sched, nil, &recordingRunner{}, nil)
	r.Scan(context.Background())
	require.Len(t, sched.Status(), 1)

	require.NoError(t, os.Remove(path))
	r.Scan(context.Background())
	assert.Len(t, sched.Status(), 1, "deleted files never unregister tasks")
}

func TestReloaderInvalidScheduleFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: fuzzy
type: periodic
schedule: "whenever"
prompt: "Run sometime."
`), 0o644))

	sched := New(nil, Gates{}, nil, nil)
	r := NewReloader(dir, sched, nil, &recordingRunner{}, nil)
	r.Scan(context.Background())

	snap := findStatus(t, sched, "fuzzy")
	assert.Equal(t, FallbackInterval, snap.Interval)
}

func TestReloaderRegistersFromStore(t *testing.T) {
	source := &fakeDefSource{defs: []state.TaskDef{{
		Name: "db_task", Type: "scheduled", Enabled: true,
		Schedule: "06:00", Priority: "high", Prompt: "From the table.",
	}}}
	sched := New(nil, Gates{}, nil, nil)
	r := NewReloader("", sched, source, &recordingRunner{}, nil)
	r.Scan(context.Background())

	snap := findStatus(t, sched, "db_task")
	assert.Equal(t, "high", snap.Priority)
	assert.Equal(t, "06:00", snap.Schedule)
}

func TestBuiltinsRegisteredOnce(t *testing.T) {
	sched := New(nil, Gates{}, nil, nil)
	deps := BuiltinDeps{
		Runner:      &recordingRunner{},
		HealthProbe: func(context.Context) error { return nil },
		AuditFacts:  func(context.Context) error { return nil },
	}
	require.NoError(t, sched.RegisterBuiltins(deps, nil))
	first := len(sched.Status())
	require.NoError(t, sched.RegisterBuiltins(deps, nil))
	assert.Equal(t, first, len(sched.Status()), "duplicate built-in registration is a no-op")

	// Only tasks with wired bodies register.
	names := map[string]bool{}
	for _, snap := range sched.Status() {
		names[snap.Name] = true
	}
	assert.True(t, names["morning_briefing"])
	assert.True(t, names["health_monitor"])
	assert.True(t, names["confidence_audit"])
	assert.False(t, names["memory_consolidation"], "no consolidator wired")

	audit := findStatus(t, sched, "confidence_audit")
	assert.Equal(t, "02:30", audit.Schedule)
}
