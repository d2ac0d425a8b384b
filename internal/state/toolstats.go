package state

import (
	"context"
	"fmt"
	"time"
)

// ToolRating is the analytics row maintained by the evaluation task.
type ToolRating struct {
	ToolName          string
	OverallRating     float64
	SuccessRate       float64
	UsageCount        int64
	Deprecated        bool
	DeprecationReason string
	LastEvaluated     time.Time
}

// UpsertToolRating writes one analytics row.
func (s *Store) UpsertToolRating(ctx context.Context, r ToolRating) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tool_rating (tool_name, overall_rating, success_rate, usage_count, deprecated, deprecation_reason, last_evaluated)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (tool_name) DO UPDATE SET
    overall_rating = $2, success_rate = $3, usage_count = $4,
    deprecated = $5, deprecation_reason = $6, last_evaluated = now()`,
		r.ToolName, r.OverallRating, r.SuccessRate, r.UsageCount, r.Deprecated, r.DeprecationReason)
	if err != nil {
		return fmt.Errorf("upsert tool rating %q: %w", r.ToolName, err)
	}
	return nil
}

// DeprecatedTools returns names of tools the evaluator has deprecated.
func (s *Store) DeprecatedTools(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tool_name, deprecation_reason FROM tool_rating WHERE deprecated`)
	if err != nil {
		return nil, fmt.Errorf("list deprecated tools: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, reason string
		if err := rows.Scan(&name, &reason); err != nil {
			return nil, fmt.Errorf("scan deprecated tool: %w", err)
		}
		out[name] = reason
	}
	return out, rows.Err()
}

// RecordToolOutcome accumulates a success or failure into tool_performance.
// The reliability score is a decayed success ratio.
func (s *Store) RecordToolOutcome(ctx context.Context, tool string, ok bool) error {
	succ, fail := 0, 1
	if ok {
		succ, fail = 1, 0
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO tool_performance (tool, success_count, failure_count, reliability_score, last_used)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (tool) DO UPDATE SET
    success_count = tool_performance.success_count + $2,
    failure_count = tool_performance.failure_count + $3,
    reliability_score = (tool_performance.success_count + $2)::float /
        GREATEST(tool_performance.success_count + tool_performance.failure_count + 1, 1),
    last_used = now()`,
		tool, succ, fail, float64(succ))
	if err != nil {
		return fmt.Errorf("record tool outcome %q: %w", tool, err)
	}
	return nil
}

// EvaluateToolRatings rolls tool_performance counters up into tool_rating
// rows. Tools with at least minCalls recorded calls and a success ratio below
// deprecateBelow are marked deprecated. Returns the number of rows written.
func (s *Store) EvaluateToolRatings(ctx context.Context, minCalls int64, deprecateBelow float64) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tool, success_count, failure_count FROM tool_performance`)
	if err != nil {
		return 0, fmt.Errorf("read tool performance: %w", err)
	}
	defer rows.Close()

	type perf struct {
		tool       string
		succ, fail int64
	}
	var perfs []perf
	for rows.Next() {
		var p perf
		if err := rows.Scan(&p.tool, &p.succ, &p.fail); err != nil {
			return 0, fmt.Errorf("scan tool performance: %w", err)
		}
		perfs = append(perfs, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	written := 0
	for _, p := range perfs {
		total := p.succ + p.fail
		if total == 0 {
			continue
		}
		rate := float64(p.succ) / float64(total)
		r := ToolRating{
			ToolName:      p.tool,
			OverallRating: rate,
			SuccessRate:   rate,
			UsageCount:    total,
		}
		if total >= minCalls && rate < deprecateBelow {
			r.Deprecated = true
			r.DeprecationReason = fmt.Sprintf("success rate %.0f%% over %d calls", rate*100, total)
		}
		if err := s.UpsertToolRating(ctx, r); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// SentinelRule is one learned command-safety pattern.
type SentinelRule struct {
	ID      int64
	Pattern string
	Allowed bool
	Reason  string
	AddedAt time.Time
	Source  string
}

// ListSentinelRules returns all learned rules, newest first.
func (s *Store) ListSentinelRules(ctx context.Context) ([]SentinelRule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, pattern, allowed, reason, added_at, source
FROM sentinel_rules ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sentinel rules: %w", err)
	}
	defer rows.Close()

	var rules []SentinelRule
	for rows.Next() {
		var r SentinelRule
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Allowed, &r.Reason, &r.AddedAt, &r.Source); err != nil {
			return nil, fmt.Errorf("scan sentinel rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// AddSentinelRule records a learned pattern.
func (s *Store) AddSentinelRule(ctx context.Context, pattern string, allowed bool, reason, source string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sentinel_rules (pattern, allowed, reason, source)
VALUES ($1, $2, $3, $4)`, pattern, allowed, reason, source)
	if err != nil {
		return fmt.Errorf("add sentinel rule: %w", err)
	}
	return nil
}
