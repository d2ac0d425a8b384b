package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/memory"
	"antigravity/internal/state"
)

type fakeMemory struct {
	facts   map[int64]state.Fact
	nextID  int64
	deleted []int64
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{facts: make(map[int64]state.Fact)}
}

func (f *fakeMemory) StoreFact(_ context.Context, fact state.Fact) (int64, error) {
	f.nextID++
	fact.ID = f.nextID
	f.facts[f.nextID] = fact
	return f.nextID, nil
}

func (f *fakeMemory) QueryFacts(_ context.Context, kbID, _ string, _ int) ([]state.Fact, error) {
	var out []state.Fact
	for _, fact := range f.facts {
		if kbID == "" || fact.KBID == kbID {
			out = append(out, fact)
		}
	}
	return out, nil
}

func (f *fakeMemory) UpdateFact(_ context.Context, id int64, confidence float64) error {
	fact, ok := f.facts[id]
	if !ok {
		return state.ErrNotFound
	}
	fact.Confidence = confidence
	f.facts[id] = fact
	return nil
}

func (f *fakeMemory) DeleteFact(_ context.Context, id int64, _ string) error {
	delete(f.facts, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeMemory) SemanticSearch(_ context.Context, _, _ string, _ int) ([]memory.SearchHit, error) {
	return []memory.SearchHit{{FactID: 1, Text: "alice works_at acme", Similarity: 0.9}}, nil
}

func (f *fakeMemory) ReadResource(_ context.Context, uri string) (string, error) {
	return "content of " + uri, nil
}

func TestStoreFactToolRoundTrip(t *testing.T) {
	mem := newFakeMemory()
	reg := NewRegistry(RegistryDeps{Memory: mem})

	tool, err := reg.Get("store_fact")
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]any{
		"entity": "alice", "relation": "works_at", "target": "acme",
		"confidence": 0.8, "kb_id": "people",
	})
	require.NoError(t, err)
	payload := out.(map[string]any)
	assert.Equal(t, int64(1), payload["id"])
	assert.Equal(t, "people", mem.facts[1].KBID)
	assert.InDelta(t, 0.8, mem.facts[1].Confidence, 1e-9)
}

func TestDeleteFactToolDefaultsKB(t *testing.T) {
	mem := newFakeMemory()
	mem.facts[5] = state.Fact{ID: 5, Entity: "x"}
	reg := NewRegistry(RegistryDeps{Memory: mem})

	tool, err := reg.Get("delete_fact")
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), map[string]any{"id": 5})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, mem.deleted)
}

func TestSemanticSearchTool(t *testing.T) {
	reg := NewRegistry(RegistryDeps{Memory: newFakeMemory()})
	tool, err := reg.Get("semantic_search")
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]any{"query": "where does alice work"})
	require.NoError(t, err)
	payload := out.(map[string]any)
	assert.Equal(t, 1, payload["count"])
}

func TestRunCommandToolExecutes(t *testing.T) {
	reg := NewRegistry(RegistryDeps{})
	tool, err := reg.Get("run_command")
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]any{"command": "printf hello"})
	require.NoError(t, err)
	payload := out.(map[string]any)
	assert.Equal(t, "hello", payload["output"])
}

func TestRunCommandToolReportsFailure(t *testing.T) {
	reg := NewRegistry(RegistryDeps{})
	tool, err := reg.Get("run_command")
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), map[string]any{"command": "exit 3"})
	assert.Error(t, err)
}

func TestRegistrySealed(t *testing.T) {
	reg := NewRegistry(RegistryDeps{})
	defs := reg.Definitions()
	assert.Len(t, defs, 10)
	_, err := reg.Get("shutdown_system")
	assert.ErrorIs(t, err, ErrNotFound)
}
