package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Fact is a (entity, relation, target) triple scoped to a knowledge base.
type Fact struct {
	ID         int64
	Entity     string
	Relation   string
	Target     string
	Context    string
	Confidence float64
	KBID       string
}

// UpsertFact inserts or refreshes a fact. Uniqueness is enforced across
// (entity, relation, target, kb_id).
func (s *Store) UpsertFact(ctx context.Context, f Fact) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO fact (entity, relation, target, context, confidence, kb_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (entity, relation, target, kb_id) DO UPDATE SET
    context = $4, confidence = $5
RETURNING id`,
		f.Entity, f.Relation, f.Target, f.Context, f.Confidence, f.KBID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert fact: %w", err)
	}
	return id, nil
}

// QueryFacts returns facts filtered by kb and optional entity substring.
func (s *Store) QueryFacts(ctx context.Context, kbID, entity string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, entity, relation, target, context, confidence, kb_id
FROM fact
WHERE kb_id = $1 AND ($2 = '' OR entity ILIKE '%' || $2 || '%')
ORDER BY confidence DESC, id
LIMIT $3`, kbID, entity, limit)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ListFacts returns every fact in a kb, used by the confidence audit.
func (s *Store) ListFacts(ctx context.Context, kbID string) ([]Fact, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, entity, relation, target, context, confidence, kb_id
FROM fact WHERE kb_id = $1 ORDER BY id`, kbID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows pgx.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Entity, &f.Relation, &f.Target,
			&f.Context, &f.Confidence, &f.KBID); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// UpdateFactConfidence sets confidence for one fact.
func (s *Store) UpdateFactConfidence(ctx context.Context, id int64, confidence float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fact SET confidence = $2 WHERE id = $1`, id, confidence)
	if err != nil {
		return fmt.Errorf("update fact %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFact removes one fact by id within a kb.
func (s *Store) DeleteFact(ctx context.Context, id int64, kbID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fact WHERE id = $1 AND kb_id = $2`, id, kbID)
	if err != nil {
		return fmt.Errorf("delete fact %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneLowConfidenceFacts deletes facts whose confidence decayed below the
// threshold. Returns the number of rows removed.
func (s *Store) PruneLowConfidenceFacts(ctx context.Context, below float64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fact WHERE confidence < $1`, below)
	if err != nil {
		return 0, fmt.Errorf("prune facts below %.2f: %w", below, err)
	}
	return tag.RowsAffected(), nil
}

// Episode is one unconsolidated conversation turn set.
type Episode struct {
	ID           int64
	RequestID    string
	Messages     json.RawMessage
	Consolidated bool
	CreatedAt    time.Time
}

// AppendEpisode records a finished conversation for later consolidation.
func (s *Store) AppendEpisode(ctx context.Context, requestID string, messages json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO episode (request_id, messages) VALUES ($1, $2)`, requestID, messages)
	if err != nil {
		return fmt.Errorf("append episode: %w", err)
	}
	return nil
}

// ListUnconsolidatedEpisodes returns episodes pending fact extraction.
func (s *Store) ListUnconsolidatedEpisodes(ctx context.Context, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, request_id, messages, consolidated, created_at
FROM episode WHERE NOT consolidated ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var eps []Episode
	for rows.Next() {
		var e Episode
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Messages, &e.Consolidated, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		eps = append(eps, e)
	}
	return eps, rows.Err()
}

// MarkEpisodeConsolidated flips the consolidated flag.
func (s *Store) MarkEpisodeConsolidated(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE episode SET consolidated = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark episode %d: %w", id, err)
	}
	return nil
}

// SovereignFile mirrors an on-disk markdown file; disk is the source of truth.
type SovereignFile struct {
	KBID       string
	Content    string
	LastSynced time.Time
}

// UpsertSovereignFile writes the store mirror of a disk file.
func (s *Store) UpsertSovereignFile(ctx context.Context, kbID, content string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sovereign_file (kb_id, content, last_synced)
VALUES ($1, $2, now())
ON CONFLICT (kb_id) DO UPDATE SET content = $2, last_synced = now()`, kbID, content)
	if err != nil {
		return fmt.Errorf("upsert sovereign %q: %w", kbID, err)
	}
	return nil
}

// GetSovereignFile reads one mirror row.
func (s *Store) GetSovereignFile(ctx context.Context, kbID string) (*SovereignFile, error) {
	var f SovereignFile
	err := s.pool.QueryRow(ctx,
		`SELECT kb_id, content, last_synced FROM sovereign_file WHERE kb_id = $1`, kbID).
		Scan(&f.KBID, &f.Content, &f.LastSynced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sovereign %q: %w", kbID, err)
	}
	return &f, nil
}

// ListSovereignFiles returns every mirror row.
func (s *Store) ListSovereignFiles(ctx context.Context) ([]SovereignFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kb_id, content, last_synced FROM sovereign_file ORDER BY kb_id`)
	if err != nil {
		return nil, fmt.Errorf("list sovereign files: %w", err)
	}
	defer rows.Close()

	var files []SovereignFile
	for rows.Next() {
		var f SovereignFile
		if err := rows.Scan(&f.KBID, &f.Content, &f.LastSynced); err != nil {
			return nil, fmt.Errorf("scan sovereign file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
