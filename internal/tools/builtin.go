package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"antigravity/internal/memory"
	"antigravity/internal/sentinel"
	"antigravity/internal/state"
)

// Memory is the slice of the memory service the built-in tools use.
type Memory interface {
	StoreFact(ctx context.Context, f state.Fact) (int64, error)
	QueryFacts(ctx context.Context, kbID, entity string, limit int) ([]state.Fact, error)
	UpdateFact(ctx context.Context, id int64, confidence float64) error
	DeleteFact(ctx context.Context, id int64, kbID string) error
	SemanticSearch(ctx context.Context, kbID, query string, limit int) ([]memory.SearchHit, error)
	ReadResource(ctx context.Context, uri string) (string, error)
}

// StatusProvider produces the system status rollup.
type StatusProvider interface {
	SystemStatus(ctx context.Context) (map[string]any, error)
}

// Ingestor enqueues a file for the ingestion pipeline.
type Ingestor interface {
	EnqueueFile(ctx context.Context, path, kbID string) error
}

// WriteToolNames is the set of tools the write-own interceptor rewrites.
var WriteToolNames = map[string]bool{
	"store_fact":  true,
	"ingest_file": true,
	"delete_fact": true,
	"update_fact": true,
}

// ReadToolNames is the set of tools the privacy interceptor guards.
var ReadToolNames = map[string]bool{
	"query_facts":     true,
	"semantic_search": true,
	"read_resource":   true,
}

// --- get_current_time ---

type timeTool struct{}

func (timeTool) Definition() Definition {
	return Definition{
		Name:        "get_current_time",
		Description: "Returns the current local time in RFC3339 form.",
		InputSchema: objectSchema(map[string]any{}),
	}
}

func (timeTool) Execute(context.Context, map[string]any) (any, error) {
	now := time.Now()
	return map[string]any{
		"time":     now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"weekday":  now.Weekday().String(),
		"timezone": now.Location().String(),
	}, nil
}

// --- get_system_status ---

type statusTool struct {
	provider StatusProvider
}

func (statusTool) Definition() Definition {
	return Definition{
		Name:        "get_system_status",
		Description: "Returns the subsystem health rollup.",
		InputSchema: objectSchema(map[string]any{}),
	}
}

func (t statusTool) Execute(ctx context.Context, _ map[string]any) (any, error) {
	if t.provider == nil {
		return nil, fmt.Errorf("status provider not configured")
	}
	return t.provider.SystemStatus(ctx)
}

// --- store_fact ---

type storeFactArgs struct {
	Entity     string  `json:"entity"`
	Relation   string  `json:"relation"`
	Target     string  `json:"target"`
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence"`
	KBID       string  `json:"kb_id"`
}

type storeFactTool struct {
	memory Memory
}

func (storeFactTool) Definition() Definition {
	return Definition{
		Name:        "store_fact",
		Description: "Stores a durable (entity, relation, target) fact.",
		InputSchema: objectSchema(map[string]any{
			"entity":     map[string]any{"type": "string"},
			"relation":   map[string]any{"type": "string"},
			"target":     map[string]any{"type": "string"},
			"context":    map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number"},
			"kb_id":      map[string]any{"type": "string"},
		}, "entity", "relation", "target"),
	}
}

func (t storeFactTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a storeFactArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := t.memory.StoreFact(ctx, state.Fact{
		Entity: a.Entity, Relation: a.Relation, Target: a.Target,
		Context: a.Context, Confidence: a.Confidence, KBID: a.KBID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "kb_id": a.KBID}, nil
}

// --- query_facts ---

type queryFactsArgs struct {
	KBID   string `json:"kb_id"`
	Entity string `json:"entity"`
	Limit  int    `json:"limit"`
}

type queryFactsTool struct {
	memory Memory
}

func (queryFactsTool) Definition() Definition {
	return Definition{
		Name:        "query_facts",
		Description: "Queries facts by knowledge base and optional entity filter.",
		InputSchema: objectSchema(map[string]any{
			"kb_id":  map[string]any{"type": "string"},
			"entity": map[string]any{"type": "string"},
			"limit":  map[string]any{"type": "integer"},
		}),
	}
}

func (t queryFactsTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a queryFactsArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	facts, err := t.memory.QueryFacts(ctx, a.KBID, a.Entity, a.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"facts": facts, "count": len(facts)}, nil
}

// --- update_fact ---

type updateFactArgs struct {
	ID         int64   `json:"id"`
	Confidence float64 `json:"confidence"`
}

type updateFactTool struct {
	memory Memory
}

func (updateFactTool) Definition() Definition {
	return Definition{
		Name:        "update_fact",
		Description: "Updates the confidence of an existing fact.",
		InputSchema: objectSchema(map[string]any{
			"id":         map[string]any{"type": "integer"},
			"confidence": map[string]any{"type": "number"},
		}, "id", "confidence"),
	}
}

func (t updateFactTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a updateFactArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := t.memory.UpdateFact(ctx, a.ID, a.Confidence); err != nil {
		return nil, err
	}
	return map[string]any{"id": a.ID, "updated": true}, nil
}

// --- delete_fact ---

type deleteFactArgs struct {
	ID   int64  `json:"id"`
	KBID string `json:"kb_id"`
}

type deleteFactTool struct {
	memory Memory
}

func (deleteFactTool) Definition() Definition {
	return Definition{
		Name:        "delete_fact",
		Description: "Deletes one fact by id within a knowledge base.",
		InputSchema: objectSchema(map[string]any{
			"id":    map[string]any{"type": "integer"},
			"kb_id": map[string]any{"type": "string"},
		}, "id"),
	}
}

func (t deleteFactTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a deleteFactArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.KBID == "" {
		a.KBID = "default"
	}
	if err := t.memory.DeleteFact(ctx, a.ID, a.KBID); err != nil {
		return nil, err
	}
	return map[string]any{"id": a.ID, "deleted": true}, nil
}

// --- semantic_search ---

type semanticSearchArgs struct {
	KBID  string `json:"kb_id"`
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type semanticSearchTool struct {
	memory Memory
}

func (semanticSearchTool) Definition() Definition {
	return Definition{
		Name:        "semantic_search",
		Description: "Vector search over stored facts.",
		InputSchema: objectSchema(map[string]any{
			"kb_id": map[string]any{"type": "string"},
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
		}, "query"),
	}
}

func (t semanticSearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a semanticSearchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	hits, err := t.memory.SemanticSearch(ctx, a.KBID, a.Query, a.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hits": hits, "count": len(hits)}, nil
}

// --- read_resource ---

type readResourceArgs struct {
	URI string `json:"uri"`
}

type readResourceTool struct {
	memory Memory
}

func (readResourceTool) Definition() Definition {
	return Definition{
		Name:        "read_resource",
		Description: "Reads a memory:// resource by URI.",
		InputSchema: objectSchema(map[string]any{
			"uri": map[string]any{"type": "string"},
		}, "uri"),
	}
}

func (t readResourceTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a readResourceArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	content, err := t.memory.ReadResource(ctx, a.URI)
	if err != nil {
		return nil, err
	}
	return map[string]any{"uri": a.URI, "content": content}, nil
}

// --- ingest_file ---

type ingestFileArgs struct {
	Path string `json:"path"`
	KBID string `json:"kb_id"`
}

type ingestFileTool struct {
	ingestor Ingestor
}

func (ingestFileTool) Definition() Definition {
	return Definition{
		Name:        "ingest_file",
		Description: "Queues a file for the ingestion pipeline.",
		InputSchema: objectSchema(map[string]any{
			"path":  map[string]any{"type": "string"},
			"kb_id": map[string]any{"type": "string"},
		}, "path"),
	}
}

func (t ingestFileTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.ingestor == nil {
		return nil, fmt.Errorf("ingestor not configured")
	}
	var a ingestFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := t.ingestor.EnqueueFile(ctx, a.Path, a.KBID); err != nil {
		return nil, err
	}
	return map[string]any{"queued": a.Path}, nil
}

// --- run_command ---

type runCommandArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout_seconds"`
}

type runCommandTool struct {
	sentinel *sentinel.Sentinel
}

func (runCommandTool) Definition() Definition {
	return Definition{
		Name:        "run_command",
		Description: "Runs a shell command after the safety classifier approves it.",
		InputSchema: objectSchema(map[string]any{
			"command":         map[string]any{"type": "string"},
			"timeout_seconds": map[string]any{"type": "integer"},
		}, "command"),
	}
}

func (t runCommandTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a runCommandArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if t.sentinel != nil {
		verdict := t.sentinel.Check(ctx, a.Command)
		if !verdict.Allowed {
			return nil, sentinel.BlockError(verdict)
		}
	}

	timeout := 30 * time.Second
	if a.Timeout > 0 {
		timeout = time.Duration(a.Timeout) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", a.Command)
	out, err := cmd.CombinedOutput()
	result := map[string]any{
		"output": strings.TrimSpace(string(out)),
	}
	if err != nil {
		result["error"] = err.Error()
		return result, fmt.Errorf("command failed: %w", err)
	}
	return result, nil
}
