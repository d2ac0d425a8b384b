package memory

import (
	"context"
	"fmt"
	"strings"

	"antigravity/internal/state"
)

const consolidateSystemPrompt = `You extract durable facts from a conversation transcript.
Reply with JSON only: {"facts": [{"entity": "...", "relation": "...", "target": "...", "context": "...", "confidence": 0.0}]}
Only include facts worth remembering across sessions. Empty list is fine.`

type extractedFacts struct {
	Facts []struct {
		Entity     string  `json:"entity"`
		Relation   string  `json:"relation"`
		Target     string  `json:"target"`
		Context    string  `json:"context"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
}

// Consolidate extracts facts from unconsolidated episodes and marks them
// done. Runs under the maintenance lock; returns the number of facts stored.
func (s *Service) Consolidate(ctx context.Context, batch int) (int, error) {
	if s.extractor == nil {
		return 0, fmt.Errorf("memory: no extractor configured")
	}

	stored := 0
	err := s.WithMaintenanceLock("consolidation", func() error {
		episodes, err := s.store.ListUnconsolidatedEpisodes(ctx, batch)
		if err != nil {
			return err
		}
		for _, ep := range episodes {
			var extracted extractedFacts
			err := s.extractor.ClassifyJSON(ctx, s.fastModel, consolidateSystemPrompt, string(ep.Messages), &extracted)
			if err != nil {
				s.logger.Warn("Consolidation extract failed for episode %d: %v", ep.ID, err)
				continue
			}
			for _, f := range extracted.Facts {
				if f.Entity == "" || f.Relation == "" || f.Target == "" {
					continue
				}
				_, err := s.StoreFact(ctx, state.Fact{
					Entity:     f.Entity,
					Relation:   f.Relation,
					Target:     f.Target,
					Context:    f.Context,
					Confidence: clampConfidence(f.Confidence, false),
					KBID:       "default",
				})
				if err != nil {
					s.logger.Warn("Consolidation store failed: %v", err)
					continue
				}
				stored++
			}
			if err := s.store.MarkEpisodeConsolidated(ctx, ep.ID); err != nil {
				return fmt.Errorf("mark episode %d: %w", ep.ID, err)
			}
		}
		return nil
	})
	return stored, err
}

// AuditOutcome is one verdict from the confidence audit task.
type AuditOutcome int

const (
	AuditSupported AuditOutcome = iota
	AuditContradicted
	AuditGroundTruth
)

// ApplyAudit adjusts one fact's confidence per the audit policy: +0.1 when
// supported, -0.3 when contradicted, clamped to [0.1, 0.9]; ground truth
// pins to at least 0.95.
func (s *Service) ApplyAudit(ctx context.Context, fact state.Fact, outcome AuditOutcome) error {
	var next float64
	switch outcome {
	case AuditSupported:
		next = clampConfidence(fact.Confidence+0.1, false)
	case AuditContradicted:
		next = clampConfidence(fact.Confidence-0.3, false)
	case AuditGroundTruth:
		next = clampConfidence(fact.Confidence, true)
	default:
		return fmt.Errorf("memory: unknown audit outcome %d", outcome)
	}
	return s.store.UpdateFactConfidence(ctx, fact.ID, next)
}

const auditFactsSystemPrompt = `You audit stored facts against your world knowledge.
Reply with JSON only: {"verdicts": [{"id": <fact id>, "verdict": "supported"|"contradicted"|"ground_truth"|"unknown"}]}
Use ground_truth only for facts that are definitionally certain. Use unknown when you cannot judge.`

type auditVerdicts struct {
	Verdicts []struct {
		ID      int64  `json:"id"`
		Verdict string `json:"verdict"`
	} `json:"verdicts"`
}

// AuditFacts re-scores up to batch facts from the default kb in one LLM
// pass, applying ApplyAudit per verdict. Unknown verdicts leave the fact
// untouched. Returns the number of facts adjusted.
func (s *Service) AuditFacts(ctx context.Context, batch int) (int, error) {
	if s.extractor == nil {
		return 0, fmt.Errorf("memory: no extractor configured")
	}

	adjusted := 0
	err := s.WithMaintenanceLock("confidence_audit", func() error {
		facts, err := s.store.ListFacts(ctx, "default")
		if err != nil {
			return err
		}
		if len(facts) == 0 {
			return nil
		}
		if batch > 0 && len(facts) > batch {
			facts = facts[:batch]
		}

		byID := make(map[int64]state.Fact, len(facts))
		var listing strings.Builder
		for _, f := range facts {
			byID[f.ID] = f
			fmt.Fprintf(&listing, "%d: %s %s %s (confidence %.2f)\n",
				f.ID, f.Entity, f.Relation, f.Target, f.Confidence)
		}

		var verdicts auditVerdicts
		if err := s.extractor.ClassifyJSON(ctx, s.fastModel, auditFactsSystemPrompt, listing.String(), &verdicts); err != nil {
			return fmt.Errorf("audit classify: %w", err)
		}

		for _, v := range verdicts.Verdicts {
			fact, ok := byID[v.ID]
			if !ok {
				continue
			}
			var outcome AuditOutcome
			switch v.Verdict {
			case "supported":
				outcome = AuditSupported
			case "contradicted":
				outcome = AuditContradicted
			case "ground_truth":
				outcome = AuditGroundTruth
			default:
				continue
			}
			if err := s.ApplyAudit(ctx, fact, outcome); err != nil {
				s.logger.Warn("Audit update for fact %d: %v", fact.ID, err)
				continue
			}
			adjusted++
		}
		return nil
	})
	return adjusted, err
}
