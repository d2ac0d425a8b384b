package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.LLM.MaxToolSteps)
	assert.Equal(t, 1, cfg.Ingest.NightStart)
	assert.Equal(t, 6, cfg.Ingest.NightEnd)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("server:\n  addr: \":9000\"\ningest:\n  ingest_dir: /data/in\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("NIGHT_SHIFT_START", "22")
	t.Setenv("NIGHT_SHIFT_END", "5")
	t.Setenv("ROUTER_BASE", "http://router.local/v1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/data/in", cfg.Ingest.IngestDir)
	assert.Equal(t, 22, cfg.Ingest.NightStart)
	assert.Equal(t, 5, cfg.Ingest.NightEnd)
	assert.Equal(t, "http://router.local/v1", cfg.LLM.RouterBase)
}

func TestNightWindowWrapAround(t *testing.T) {
	w := NightWindow{StartHour: 22, EndHour: 5, Location: time.UTC}
	assert.True(t, w.Contains(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, w.Contains(time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)))
}

func TestNightWindowPlain(t *testing.T) {
	w := NightWindow{StartHour: 1, EndHour: 6, Location: time.UTC}
	assert.True(t, w.Contains(time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 3, 1, 0, 59, 0, 0, time.UTC)))
}

func TestNightWindowDegenerate(t *testing.T) {
	w := NightWindow{StartHour: 3, EndHour: 3, Location: time.UTC}
	assert.False(t, w.Contains(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)))
}
