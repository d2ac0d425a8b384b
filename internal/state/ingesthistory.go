package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// IngestRecord is one row of the ingestion dedup table.
type IngestRecord struct {
	FileHash   string
	KBID       string
	FilePath   string
	FileSize   int64
	IngestedAt time.Time
}

// LookupIngestHash returns the prior record for a content hash, or ErrNotFound.
func (s *Store) LookupIngestHash(ctx context.Context, hash string) (*IngestRecord, error) {
	var rec IngestRecord
	err := s.pool.QueryRow(ctx, `
SELECT file_hash, kb_id, file_path, file_size, ingested_at
FROM ingestion_history WHERE file_hash = $1`, hash).
		Scan(&rec.FileHash, &rec.KBID, &rec.FilePath, &rec.FileSize, &rec.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ingest hash: %w", err)
	}
	return &rec, nil
}

// RecordIngest marks a content hash as seen. Conflicting inserts are ignored so
// a replayed pipeline iteration stays idempotent.
func (s *Store) RecordIngest(ctx context.Context, rec IngestRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ingestion_history (file_hash, kb_id, file_path, file_size, ingested_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (file_hash) DO NOTHING`,
		rec.FileHash, rec.KBID, rec.FilePath, rec.FileSize)
	if err != nil {
		return fmt.Errorf("record ingest: %w", err)
	}
	return nil
}
