package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// TaskDef is a declarative task definition persisted for hot reload.
type TaskDef struct {
	Name        string         `json:"name" yaml:"name"`
	Type        string         `json:"type" yaml:"type"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Schedule    string         `json:"schedule" yaml:"schedule"`
	IdleOnly    bool           `json:"idle_only" yaml:"idle_only"`
	Priority    string         `json:"priority" yaml:"priority"`
	Description string         `json:"description" yaml:"description"`
	Prompt      string         `json:"prompt" yaml:"prompt"`
	Config      map[string]any `json:"config" yaml:"config"`
}

// ListTaskDefs returns all persisted task definitions.
func (s *Store) ListTaskDefs(ctx context.Context) ([]TaskDef, error) {
	rows, err := s.pool.Query(ctx, `
SELECT name, type, enabled, schedule, idle_only, priority, description, prompt, config
FROM task_def ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list task defs: %w", err)
	}
	defer rows.Close()

	var defs []TaskDef
	for rows.Next() {
		var d TaskDef
		var cfg []byte
		if err := rows.Scan(&d.Name, &d.Type, &d.Enabled, &d.Schedule, &d.IdleOnly,
			&d.Priority, &d.Description, &d.Prompt, &cfg); err != nil {
			return nil, fmt.Errorf("scan task def: %w", err)
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &d.Config); err != nil {
				return nil, fmt.Errorf("decode task def config %q: %w", d.Name, err)
			}
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// UpsertTaskDef persists one definition, last write wins.
func (s *Store) UpsertTaskDef(ctx context.Context, d TaskDef) error {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal task def config %q: %w", d.Name, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO task_def (name, type, enabled, schedule, idle_only, priority, description, prompt, config)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (name) DO UPDATE SET
    type = $2, enabled = $3, schedule = $4, idle_only = $5,
    priority = $6, description = $7, prompt = $8, config = $9`,
		d.Name, d.Type, d.Enabled, d.Schedule, d.IdleOnly, d.Priority,
		d.Description, d.Prompt, cfg)
	if err != nil {
		return fmt.Errorf("upsert task def %q: %w", d.Name, err)
	}
	return nil
}

// MCPServerDef is one persisted child-server definition.
type MCPServerDef struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Enabled bool
	Type    string
}

// ListMCPServers returns all persisted MCP server definitions.
func (s *Store) ListMCPServers(ctx context.Context) ([]MCPServerDef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, command, args, env, enabled, type FROM mcp_server ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	defer rows.Close()

	var defs []MCPServerDef
	for rows.Next() {
		var d MCPServerDef
		var args, env []byte
		if err := rows.Scan(&d.Name, &d.Command, &args, &env, &d.Enabled, &d.Type); err != nil {
			return nil, fmt.Errorf("scan mcp server: %w", err)
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &d.Args); err != nil {
				return nil, fmt.Errorf("decode mcp args %q: %w", d.Name, err)
			}
		}
		if len(env) > 0 {
			if err := json.Unmarshal(env, &d.Env); err != nil {
				return nil, fmt.Errorf("decode mcp env %q: %w", d.Name, err)
			}
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}
