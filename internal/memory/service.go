package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"antigravity/internal/logging"
	"antigravity/internal/state"
)

// Store is the slice of the state store the memory service depends on.
type Store interface {
	UpsertFact(ctx context.Context, f state.Fact) (int64, error)
	QueryFacts(ctx context.Context, kbID, entity string, limit int) ([]state.Fact, error)
	ListFacts(ctx context.Context, kbID string) ([]state.Fact, error)
	UpdateFactConfidence(ctx context.Context, id int64, confidence float64) error
	DeleteFact(ctx context.Context, id int64, kbID string) error
	AppendEpisode(ctx context.Context, requestID string, messages json.RawMessage) error
	ListUnconsolidatedEpisodes(ctx context.Context, limit int) ([]state.Episode, error)
	MarkEpisodeConsolidated(ctx context.Context, id int64) error
	UpsertSovereignFile(ctx context.Context, kbID, content string) error
	GetSovereignFile(ctx context.Context, kbID string) (*state.SovereignFile, error)
	ListSovereignFiles(ctx context.Context) ([]state.SovereignFile, error)
	GetBankConfig(ctx context.Context, kbID string) (state.BankConfig, error)
}

// Extractor turns episode transcripts into candidate facts. Implemented by
// the LLM client.
type Extractor interface {
	ClassifyJSON(ctx context.Context, model, system, user string, target any) error
}

// Service is the durable memory client: facts, episodes, sovereign files and
// the in-process semantic index.
type Service struct {
	store     Store
	index     *SemanticIndex
	extractor Extractor
	fastModel string
	logger    logging.Logger

	// maintMu serializes backup against consolidation. In-process successor
	// to the cross-process memory.lock file.
	maintMu sync.Mutex
}

// New creates the memory service. index and extractor may be nil; semantic
// search and consolidation degrade accordingly.
func New(store Store, index *SemanticIndex, extractor Extractor, fastModel string, logger logging.Logger) *Service {
	return &Service{
		store:     store,
		index:     index,
		extractor: extractor,
		fastModel: fastModel,
		logger:    logging.OrNop(logger),
	}
}

// StoreFact writes a fact and mirrors it into the semantic index.
func (s *Service) StoreFact(ctx context.Context, f state.Fact) (int64, error) {
	if f.Entity == "" || f.Relation == "" || f.Target == "" {
		return 0, fmt.Errorf("memory: entity, relation and target are required")
	}
	if f.KBID == "" {
		f.KBID = "default"
	}
	if f.Confidence <= 0 {
		f.Confidence = 0.5
	}
	id, err := s.store.UpsertFact(ctx, f)
	if err != nil {
		return 0, err
	}
	f.ID = id
	if s.index != nil {
		if err := s.index.AddFact(ctx, f); err != nil {
			s.logger.Warn("Semantic index add failed for fact %d: %v", id, err)
		}
	}
	return id, nil
}

// QueryFacts proxies the relational fact query.
func (s *Service) QueryFacts(ctx context.Context, kbID, entity string, limit int) ([]state.Fact, error) {
	if kbID == "" {
		kbID = "default"
	}
	return s.store.QueryFacts(ctx, kbID, entity, limit)
}

// UpdateFact sets confidence for one fact.
func (s *Service) UpdateFact(ctx context.Context, id int64, confidence float64) error {
	return s.store.UpdateFactConfidence(ctx, id, clampConfidence(confidence, false))
}

// DeleteFact removes one fact from store and index.
func (s *Service) DeleteFact(ctx context.Context, id int64, kbID string) error {
	if err := s.store.DeleteFact(ctx, id, kbID); err != nil {
		return err
	}
	if s.index != nil {
		s.index.RemoveFact(ctx, id)
	}
	return nil
}

// AppendEpisode records a finished conversation for later consolidation.
func (s *Service) AppendEpisode(ctx context.Context, requestID string, messages json.RawMessage) error {
	return s.store.AppendEpisode(ctx, requestID, messages)
}

// BankConfig exposes partition privacy config to the interceptors.
func (s *Service) BankConfig(ctx context.Context, kbID string) (state.BankConfig, error) {
	return s.store.GetBankConfig(ctx, kbID)
}

// SemanticSearch queries the in-process vector index.
func (s *Service) SemanticSearch(ctx context.Context, kbID, query string, limit int) ([]SearchHit, error) {
	if s.index == nil {
		return nil, fmt.Errorf("memory: semantic index not configured")
	}
	return s.index.Search(ctx, kbID, query, limit)
}

// WithMaintenanceLock runs fn while holding the backup/consolidation lock,
// logging when the lock is contended.
func (s *Service) WithMaintenanceLock(name string, fn func() error) error {
	if !s.maintMu.TryLock() {
		s.logger.Info("Memory maintenance %q waiting for lock", name)
		s.maintMu.Lock()
	}
	defer s.maintMu.Unlock()
	return fn()
}

// clampConfidence bounds confidence per audit policy. Ground-truth facts are
// allowed up to 0.95 and over.
func clampConfidence(c float64, groundTruth bool) float64 {
	if groundTruth {
		if c < 0.95 {
			return 0.95
		}
		if c > 1 {
			return 1
		}
		return c
	}
	if c < 0.1 {
		return 0.1
	}
	if c > 0.9 {
		return 0.9
	}
	return c
}
