package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/philippgille/chromem-go"

	"antigravity/internal/logging"
	"antigravity/internal/state"
)

// SearchHit is one semantic search result.
type SearchHit struct {
	FactID     int64
	Text       string
	KBID       string
	Similarity float32
}

// SemanticIndex maintains an in-process vector collection over facts.
type SemanticIndex struct {
	collection *chromem.Collection
	logger     logging.Logger
}

// NewSemanticIndex builds the index with an OpenAI-compatible embedding
// endpoint, matching the router contract used for completions.
func NewSemanticIndex(baseURL, apiKey, model string, logger logging.Logger) (*SemanticIndex, error) {
	db := chromem.NewDB()
	embed := chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil)
	col, err := db.CreateCollection("facts", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: create collection: %w", err)
	}
	return &SemanticIndex{collection: col, logger: logging.OrNop(logger)}, nil
}

// NewSemanticIndexWithEmbedder builds the index with a custom embedding
// function. Tests use a deterministic embedder.
func NewSemanticIndexWithEmbedder(embed chromem.EmbeddingFunc, logger logging.Logger) (*SemanticIndex, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("facts", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: create collection: %w", err)
	}
	return &SemanticIndex{collection: col, logger: logging.OrNop(logger)}, nil
}

// AddFact indexes one fact as "<entity> <relation> <target>".
func (idx *SemanticIndex) AddFact(ctx context.Context, f state.Fact) error {
	doc := chromem.Document{
		ID:      strconv.FormatInt(f.ID, 10),
		Content: f.Entity + " " + f.Relation + " " + f.Target,
		Metadata: map[string]string{
			"kb_id": f.KBID,
		},
	}
	return idx.collection.AddDocument(ctx, doc)
}

// RemoveFact drops one fact from the index. Best effort.
func (idx *SemanticIndex) RemoveFact(ctx context.Context, id int64) {
	if err := idx.collection.Delete(ctx, nil, nil, strconv.FormatInt(id, 10)); err != nil {
		idx.logger.Debug("Semantic index delete %d: %v", id, err)
	}
}

// Search returns the top hits for a query within one kb.
func (idx *SemanticIndex) Search(ctx context.Context, kbID, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	count := idx.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}
	var where map[string]string
	if kbID != "" {
		where = map[string]string{"kb_id": kbID}
	}
	results, err := idx.collection.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: semantic query: %w", err)
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		id, _ := strconv.ParseInt(r.ID, 10, 64)
		hits = append(hits, SearchHit{
			FactID:     id,
			Text:       r.Content,
			KBID:       r.Metadata["kb_id"],
			Similarity: r.Similarity,
		})
	}
	return hits, nil
}
