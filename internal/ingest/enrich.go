package ingest

import (
	"context"

	"antigravity/internal/logging"
)

// Enrichment is the classifier's verdict on extracted content.
type Enrichment struct {
	KBID          string   `json:"kb_id"`
	Authority     float64  `json:"authority"`
	GlobalSummary string   `json:"global_summary"`
	ShadowTags    []string `json:"shadow_tags"`
}

// GraphPayload carries extracted graph structure for the retrieval backend.
type GraphPayload struct {
	Entities  []GraphEntity   `json:"entities"`
	Relations []GraphRelation `json:"relations"`
}

// GraphEntity is one node candidate.
type GraphEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// GraphRelation is one edge candidate.
type GraphRelation struct {
	Source   string `json:"source"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

// Classifier is the JSON-mode LLM surface the enricher uses.
type Classifier interface {
	ClassifyJSON(ctx context.Context, model, system, user string, target any) error
}

const enrichSystemPrompt = `You classify documents for a personal knowledge base.
Reply with JSON only: {"kb_id": string, "authority": number 0-1, "global_summary": string, "shadow_tags": [string]}.
kb_id is a short lowercase partition name. authority reflects source reliability.`

const graphSystemPrompt = `You extract knowledge-graph structure from a document.
Reply with JSON only: {"entities": [{"name": string, "type": string}], "relations": [{"source": string, "relation": string, "target": string}]}.
Return empty arrays when nothing meaningful exists.`

// Enricher classifies extracted content and mines graph structure.
type Enricher struct {
	classifier Classifier
	model      string
	logger     logging.Logger
}

// NewEnricher creates an enricher. classifier may be nil; Classify then
// always returns the default enrichment.
func NewEnricher(classifier Classifier, model string, logger logging.Logger) *Enricher {
	return &Enricher{classifier: classifier, model: model, logger: logging.OrNop(logger)}
}

// Classify asks the fast model for an enrichment, falling back to defaults.
func (e *Enricher) Classify(ctx context.Context, filename, content string) Enrichment {
	fallback := Enrichment{KBID: "default", Authority: 0.5}
	if e.classifier == nil {
		return fallback
	}

	user := "Filename: " + filename + "\n\n" + clip(content, 4000)
	var out Enrichment
	if err := e.classifier.ClassifyJSON(ctx, e.model, enrichSystemPrompt, user, &out); err != nil {
		e.logger.Warn("Enrichment classify failed for %s: %v", filename, err)
		return fallback
	}
	if out.KBID == "" {
		out.KBID = "default"
	}
	if out.Authority <= 0 || out.Authority > 1 {
		out.Authority = 0.5
	}
	return out
}

// ExtractGraph mines entities and relations. Errors degrade to an empty
// payload; graph submission is best-effort.
func (e *Enricher) ExtractGraph(ctx context.Context, content string) GraphPayload {
	if e.classifier == nil {
		return GraphPayload{}
	}
	var out GraphPayload
	if err := e.classifier.ClassifyJSON(ctx, e.model, graphSystemPrompt, clip(content, 4000), &out); err != nil {
		e.logger.Debug("Graph extraction failed: %v", err)
		return GraphPayload{}
	}
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
