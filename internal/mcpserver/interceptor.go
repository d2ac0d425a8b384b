package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"antigravity/internal/logging"
	"antigravity/internal/mcp"
	"antigravity/internal/state"
	"antigravity/internal/tools"
)

const (
	privacyCacheSize = 256
	privacyCacheTTL  = 60 * time.Second
	argPreviewLimit  = 120
)

// Interceptor inspects or rewrites a tool call before execution. A returned
// *mcp.RPCError maps straight onto the JSON-RPC error frame.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, client, tool string, args map[string]any) (map[string]any, error)
}

// Chain applies interceptors in declaration order.
type Chain []Interceptor

// Apply runs every interceptor, threading the (possibly rewritten) arguments.
func (c Chain) Apply(ctx context.Context, client, tool string, args map[string]any) (map[string]any, error) {
	var err error
	for _, ic := range c {
		args, err = ic.Intercept(ctx, client, tool, args)
		if err != nil {
			return nil, err
		}
	}
	return args, nil
}

// LoggingInterceptor records (client, tool, argument preview) at info level.
type LoggingInterceptor struct {
	logger logging.Logger
}

func NewLoggingInterceptor(logger logging.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{logger: logging.OrNop(logger)}
}

func (l *LoggingInterceptor) Name() string { return "logging" }

func (l *LoggingInterceptor) Intercept(ctx context.Context, client, tool string, args map[string]any) (map[string]any, error) {
	l.logger.Info("Client %s calls %s(%s)", client, tool, argPreview(args))
	return args, nil
}

func argPreview(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "?"
	}
	s := string(raw)
	if len(s) > argPreviewLimit {
		s = s[:argPreviewLimit] + "…"
	}
	return s
}

// WriteOwnInterceptor forces every write tool to target the calling client's
// own partition, whatever kb_id the client asked for.
type WriteOwnInterceptor struct {
	logger logging.Logger
}

func NewWriteOwnInterceptor(logger logging.Logger) *WriteOwnInterceptor {
	return &WriteOwnInterceptor{logger: logging.OrNop(logger)}
}

func (w *WriteOwnInterceptor) Name() string { return "write-own" }

func (w *WriteOwnInterceptor) Intercept(ctx context.Context, client, tool string, args map[string]any) (map[string]any, error) {
	if !tools.WriteToolNames[tool] || client == "" {
		return args, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if prev, ok := args["kb_id"].(string); ok && prev != "" && prev != client {
		w.logger.Info("Rewrote kb_id %q to %q for %s from client %s", prev, client, tool, client)
	}
	args["kb_id"] = client
	return args, nil
}

// BankSource resolves knowledge-base privacy rows.
type BankSource interface {
	BankConfig(ctx context.Context, kbID string) (state.BankConfig, error)
}

// PrivacyInterceptor denies reads of private partitions owned by someone
// else. Decisions are cached for 60 seconds.
type PrivacyInterceptor struct {
	banks  BankSource
	cache  *expirable.LRU[string, state.BankConfig]
	logger logging.Logger
}

func NewPrivacyInterceptor(banks BankSource, logger logging.Logger) *PrivacyInterceptor {
	return &PrivacyInterceptor{
		banks:  banks,
		cache:  expirable.NewLRU[string, state.BankConfig](privacyCacheSize, nil, privacyCacheTTL),
		logger: logging.OrNop(logger),
	}
}

func (p *PrivacyInterceptor) Name() string { return "privacy" }

func (p *PrivacyInterceptor) Intercept(ctx context.Context, client, tool string, args map[string]any) (map[string]any, error) {
	if !tools.ReadToolNames[tool] || p.banks == nil {
		return args, nil
	}

	kbID := readTargetKB(tool, args)
	if kbID == "" {
		return args, nil
	}

	cfg, ok := p.cache.Get(kbID)
	if !ok {
		var err error
		cfg, err = p.banks.BankConfig(ctx, kbID)
		if err != nil {
			// Fail closed: an unreadable privacy row never grants access.
			p.logger.Warn("Bank config lookup for %q failed, denying: %v", kbID, err)
			return nil, &mcp.RPCError{Code: mcp.PermissionDenied, Message: "privacy check unavailable for " + kbID}
		}
		p.cache.Add(kbID, cfg)
	}

	if cfg.IsPrivate && cfg.Owner != client {
		p.logger.Info("Denied %s on private bank %q for client %s", tool, kbID, client)
		return nil, &mcp.RPCError{Code: mcp.PermissionDenied, Message: "bank " + kbID + " is private"}
	}
	return args, nil
}

// readTargetKB extracts the partition a read tool is aimed at. read_resource
// is guarded only for memory:// URIs.
func readTargetKB(tool string, args map[string]any) string {
	if tool == "read_resource" {
		uri, _ := args["uri"].(string)
		if strings.HasPrefix(uri, "memory://") {
			return strings.TrimPrefix(uri, "memory://")
		}
		return ""
	}
	if kb, ok := args["kb_id"].(string); ok && kb != "" {
		return kb
	}
	return "default"
}
