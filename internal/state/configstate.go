package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound reports a missing row for single-row lookups.
var ErrNotFound = errors.New("state: not found")

// GetConfigValue reads one config_state entry.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM config_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config %q: %w", key, err)
	}
	return value, nil
}

// SetConfigValue upserts one config_state entry.
func (s *Store) SetConfigValue(ctx context.Context, key, value, source string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO config_state (key, value, source, last_updated)
VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET value = $2, source = $3, last_updated = now()`,
		key, value, source)
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

// SystemState is one row of the system_state table.
type SystemState struct {
	Item        string
	Details     map[string]any
	Category    string
	LastUpdated time.Time
}

// UpsertSystemState records a system item (hardware, network, lifecycle).
func (s *Store) UpsertSystemState(ctx context.Context, item string, details map[string]any, category string) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal system state %q: %w", item, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO system_state (item, details, category, last_updated)
VALUES ($1, $2, $3, now())
ON CONFLICT (item) DO UPDATE SET details = $2, category = $3, last_updated = now()`,
		item, payload, category)
	if err != nil {
		return fmt.Errorf("upsert system state %q: %w", item, err)
	}
	return nil
}

// GetSystemState reads one system_state row.
func (s *Store) GetSystemState(ctx context.Context, item string) (*SystemState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT item, details, category, last_updated FROM system_state WHERE item = $1`, item)
	var st SystemState
	var payload []byte
	err := row.Scan(&st.Item, &payload, &st.Category, &st.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get system state %q: %w", item, err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &st.Details); err != nil {
			return nil, fmt.Errorf("decode system state %q: %w", item, err)
		}
	}
	return &st, nil
}

// BankConfig describes privacy for one knowledge-base partition.
type BankConfig struct {
	KBID      string
	IsPrivate bool
	Owner     string
}

// GetBankConfig reads one bank_config row, defaulting to public when absent.
func (s *Store) GetBankConfig(ctx context.Context, kbID string) (BankConfig, error) {
	cfg := BankConfig{KBID: kbID}
	err := s.pool.QueryRow(ctx,
		`SELECT is_private, owner FROM bank_config WHERE kb_id = $1`, kbID).
		Scan(&cfg.IsPrivate, &cfg.Owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("get bank config %q: %w", kbID, err)
	}
	return cfg, nil
}

// SetBankConfig upserts one bank_config row.
func (s *Store) SetBankConfig(ctx context.Context, cfg BankConfig) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO bank_config (kb_id, is_private, owner)
VALUES ($1, $2, $3)
ON CONFLICT (kb_id) DO UPDATE SET is_private = $2, owner = $3`,
		cfg.KBID, cfg.IsPrivate, cfg.Owner)
	if err != nil {
		return fmt.Errorf("set bank config %q: %w", cfg.KBID, err)
	}
	return nil
}
