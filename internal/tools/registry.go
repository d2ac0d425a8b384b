package tools

import (
	"fmt"
	"sort"

	"antigravity/internal/sentinel"
)

// RegistryDeps wires the built-in tool set to its collaborators.
type RegistryDeps struct {
	Memory   Memory
	Status   StatusProvider
	Ingestor Ingestor
	Sentinel *sentinel.Sentinel
}

// Registry holds the sealed set of internal tools. MCP tools are routed by
// the executor via their mcp__ prefix and never enter this map.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds the full internal tool set.
func NewRegistry(deps RegistryDeps) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range []Tool{
		timeTool{},
		statusTool{provider: deps.Status},
		storeFactTool{memory: deps.Memory},
		queryFactsTool{memory: deps.Memory},
		updateFactTool{memory: deps.Memory},
		deleteFactTool{memory: deps.Memory},
		semanticSearchTool{memory: deps.Memory},
		readResourceTool{memory: deps.Memory},
		ingestFileTool{ingestor: deps.Ingestor},
		runCommandTool{sentinel: deps.Sentinel},
	} {
		r.tools[t.Definition().Name] = t
	}
	return r
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// Has reports whether name is an internal tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Definitions lists every internal tool schema, sorted by name.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
