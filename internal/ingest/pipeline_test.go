package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/config"
	"antigravity/internal/state"
)

type fakeHistory struct {
	rows map[string]state.IngestRecord
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{rows: make(map[string]state.IngestRecord)}
}

func (f *fakeHistory) LookupIngestHash(_ context.Context, hash string) (*state.IngestRecord, error) {
	rec, ok := f.rows[hash]
	if !ok {
		return nil, state.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeHistory) RecordIngest(_ context.Context, rec state.IngestRecord) error {
	f.rows[rec.FileHash] = rec
	return nil
}

type fakeSubmitter struct {
	docs   []IngestRequest
	graphs []GraphPayload
}

func (f *fakeSubmitter) Ingest(_ context.Context, req IngestRequest) error {
	f.docs = append(f.docs, req)
	return nil
}

func (f *fakeSubmitter) IngestGraph(_ context.Context, payload GraphPayload) error {
	f.graphs = append(f.graphs, payload)
	return nil
}

type fakeClassifier struct {
	enrich string
	graph  string
}

func (f *fakeClassifier) ClassifyJSON(_ context.Context, _, system, _ string, target any) error {
	reply := f.enrich
	if strings.Contains(system, "knowledge-graph") {
		reply = f.graph
	}
	if reply == "" {
		reply = "{}"
	}
	return json.Unmarshal([]byte(reply), target)
}

type testRig struct {
	pipeline  *Pipeline
	history   *fakeHistory
	submitter *fakeSubmitter
	dirs      dirLayout
	brain     string
}

func newTestRig(t *testing.T, classifier Classifier) *testRig {
	t.Helper()
	base := t.TempDir()
	brain := filepath.Join(base, "brain")
	require.NoError(t, os.MkdirAll(brain, 0o755))
	cfg := config.IngestConfig{
		IngestDir: filepath.Join(base, "ingest"),
		BrainDir:  brain,
		// Degenerate window: never night unless .trigger_now is present.
		NightStart: 3, NightEnd: 3,
		HashWorkers: 2,
	}
	history := newFakeHistory()
	submitter := &fakeSubmitter{}
	p, err := NewPipeline(cfg, history,
		NewExtractor(nil, "", nil),
		NewEnricher(classifier, "fast", nil),
		submitter, nil)
	require.NoError(t, err)
	return &testRig{pipeline: p, history: history, submitter: submitter, dirs: p.dirs, brain: brain}
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func dropFile(t *testing.T, rig *testRig, name, content string) string {
	t.Helper()
	path := filepath.Join(rig.dirs.ingest, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPipelineProcessesTextFile(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "notes.txt", "antigravity field notes")

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeOK, results[0].Outcome)
	assert.Equal(t, "default", results[0].KBID)

	require.Len(t, rig.submitter.docs, 1)
	assert.Equal(t, "antigravity field notes", rig.submitter.docs[0].Content)

	names := listNames(t, rig.dirs.processed)
	assert.Contains(t, names, "notes.txt")
	assert.Contains(t, names, "notes.txt.md", "sidecar written alongside")
	assert.Len(t, rig.history.rows, 1)

	sidecar, err := os.ReadFile(filepath.Join(rig.dirs.processed, "notes.txt.md"))
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), "kb_id: default")
	assert.Contains(t, string(sidecar), "antigravity field notes")
}

func TestPipelineDeduplicates(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "foo.txt", "identical content")
	require.Len(t, rig.pipeline.RunOnce(context.Background()), 1)

	dropFile(t, rig, "foo.txt", "identical content")
	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDuplicate, results[0].Outcome)

	assert.Len(t, rig.history.rows, 1, "one row per hash regardless of arrival order")
	assert.Contains(t, listNames(t, rig.dirs.duplicates), "foo.txt")
	assert.Len(t, rig.submitter.docs, 1)
}

func TestPipelineQualityReject(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "blank.txt", "   \n\t  ")

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeQualityReject, results[0].Outcome)
	assert.Contains(t, listNames(t, rig.dirs.rejected), "blank.txt")
	assert.Empty(t, rig.history.rows, "rejected files are never marked seen")
}

func TestPipelineRecursionGuard(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "loop.md", "[DOCUMENT SUMMARY: already processed] body")

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeRecursion, results[0].Outcome)
	assert.Contains(t, listNames(t, rig.dirs.review), "loop.md")
}

func TestPipelineHeavyFileDeferredUntilTrigger(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "podcast.mp3", "fake audio bytes")

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDeferred, results[0].Outcome)
	assert.Contains(t, listNames(t, rig.dirs.deferred), "podcast.mp3")

	// .trigger_now forces a night pass; audio has no extractor so it lands
	// in review rather than staying parked.
	require.NoError(t, os.WriteFile(filepath.Join(rig.dirs.ingest, ".trigger_now"), nil, 0o644))
	results = rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeExtractionFail, results[0].Outcome)
	assert.Contains(t, listNames(t, rig.dirs.review), "podcast.mp3")

	_, err := os.Stat(filepath.Join(rig.dirs.ingest, ".trigger_now"))
	assert.True(t, os.IsNotExist(err), "trigger sentinel consumed by the pass")
}

func TestPipelinePausedSentinel(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "waiting.txt", "content")
	require.NoError(t, os.WriteFile(filepath.Join(rig.dirs.ingest, ".paused"), []byte("maintenance"), 0o644))

	assert.Nil(t, rig.pipeline.RunOnce(context.Background()))
	assert.Contains(t, listNames(t, rig.dirs.ingest), "waiting.txt", "file untouched while paused")

	require.NoError(t, os.Remove(filepath.Join(rig.dirs.ingest, ".paused")))
	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeOK, results[0].Outcome)
}

func TestPipelineCSVRendersMarkdownTable(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "data.csv", "name,role\nalice,engineer\nbob,analyst\n")

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	require.Equal(t, OutcomeOK, results[0].Outcome)

	require.Len(t, rig.submitter.docs, 1)
	content := rig.submitter.docs[0].Content
	assert.Contains(t, content, "| name |")
	assert.Contains(t, content, "| alice |")
}

func TestPipelineEnrichmentAndGraph(t *testing.T) {
	classifier := &fakeClassifier{
		enrich: `{"kb_id":"research","authority":0.8,"global_summary":"A field report.","shadow_tags":["physics"]}`,
		graph:  `{"entities":[{"name":"antigravity","type":"concept"}],"relations":[{"source":"antigravity","relation":"studied_by","target":"lab"}]}`,
	}
	rig := newTestRig(t, classifier)
	dropFile(t, rig, "report.txt", "The lab continued studying antigravity this week.")

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	require.Equal(t, OutcomeOK, results[0].Outcome)
	assert.Equal(t, "research", results[0].KBID)

	require.Len(t, rig.submitter.docs, 1)
	assert.Equal(t, "[DOCUMENT SUMMARY: A field report.]", rig.submitter.docs[0].PrependText)
	require.Len(t, rig.submitter.graphs, 1)
	assert.Equal(t, "antigravity", rig.submitter.graphs[0].Entities[0].Name)
}

func TestPipelineCollisionSafeRename(t *testing.T) {
	rig := newTestRig(t, nil)
	dropFile(t, rig, "memo.txt", "first version")
	require.Len(t, rig.pipeline.RunOnce(context.Background()), 1)

	dropFile(t, rig, "memo.txt", "second version, different hash")
	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeOK, results[0].Outcome)

	names := listNames(t, rig.dirs.processed)
	assert.Contains(t, names, "memo.txt")
	var renamed bool
	for _, n := range names {
		if strings.HasPrefix(n, "memo_") && strings.HasSuffix(n, ".txt") {
			renamed = true
		}
	}
	assert.True(t, renamed, "second artifact renamed with timestamp suffix")
	assert.Len(t, rig.history.rows, 2)
}

func TestPipelineBrainFileIngestedInPlace(t *testing.T) {
	rig := newTestRig(t, nil)
	path := filepath.Join(rig.brain, "lore.txt")
	require.NoError(t, os.WriteFile(path, []byte("mirrored lore"), 0o644))

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeOK, results[0].Outcome)

	// The mirror is read-only: the file stays put, no sidecar lands in it,
	// and the hash is recorded at the in-place path.
	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotContains(t, listNames(t, rig.brain), "lore.txt.md")
	require.Len(t, rig.history.rows, 1)
	for _, rec := range rig.history.rows {
		assert.Equal(t, path, rec.FilePath)
	}
	require.Len(t, rig.submitter.docs, 1)
	assert.Equal(t, "mirrored lore", rig.submitter.docs[0].Content)
}

func TestPipelineBrainDuplicateSkipsSilently(t *testing.T) {
	rig := newTestRig(t, nil)
	path := filepath.Join(rig.brain, "lore.txt")
	require.NoError(t, os.WriteFile(path, []byte("mirrored lore"), 0o644))
	require.Len(t, rig.pipeline.RunOnce(context.Background()), 1)

	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeDuplicate, results[0].Outcome)

	_, err := os.Stat(path)
	require.NoError(t, err, "mirror file never moved or removed")
	assert.NotContains(t, listNames(t, rig.dirs.duplicates), "lore.txt")
	assert.Len(t, rig.submitter.docs, 1, "content submitted exactly once")
}

func TestCollisionSuffixUsesInjectedClock(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.now = func() time.Time { return time.Unix(1700000000, 0) }

	dropFile(t, rig, "memo.txt", "first version")
	require.Len(t, rig.pipeline.RunOnce(context.Background()), 1)
	dropFile(t, rig, "memo.txt", "second version, different hash")
	require.Len(t, rig.pipeline.RunOnce(context.Background()), 1)

	assert.Contains(t, listNames(t, rig.dirs.processed), "memo_1700000000.txt")
}

func TestEnqueueFileStagesAndHints(t *testing.T) {
	rig := newTestRig(t, nil)
	outside := filepath.Join(t.TempDir(), "external.txt")
	require.NoError(t, os.WriteFile(outside, []byte("from outside"), 0o644))

	require.NoError(t, rig.pipeline.EnqueueFile(context.Background(), outside, "projects"))
	results := rig.pipeline.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeOK, results[0].Outcome)
	assert.Equal(t, "projects", results[0].KBID, "kb hint overrides the classifier")

	err := rig.pipeline.EnqueueFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"), "")
	assert.Error(t, err)
}
