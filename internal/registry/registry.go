// Package registry wires the process together. Construction is leaf-first
// and explicit: state store, memory, LLM client, tool surface, scheduler,
// agent engine, MCP server, then the Nexus regulator. No globals.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"antigravity/internal/agent"
	"antigravity/internal/breaker"
	"antigravity/internal/config"
	"antigravity/internal/ingest"
	"antigravity/internal/llm"
	"antigravity/internal/logging"
	"antigravity/internal/mcp"
	"antigravity/internal/mcpserver"
	"antigravity/internal/memory"
	"antigravity/internal/nexus"
	"antigravity/internal/scheduler"
	"antigravity/internal/sentinel"
	"antigravity/internal/server"
	"antigravity/internal/state"
	"antigravity/internal/tools"
)

const embeddingModel = "text-embedding-3-small"

// App holds every long-lived component of the orchestrator.
type App struct {
	Config *config.Config

	Store     *state.Store
	Memory    *memory.Service
	Sovereign *memory.SovereignSyncer
	LLM       *llm.Client
	Global    *breaker.Global
	Breakers  *breaker.Registry
	MCP       *mcp.Manager
	Sentinel  *sentinel.Sentinel
	Tools     *tools.Executor
	Agent     *agent.Engine
	Scheduler *scheduler.Scheduler
	Reloader  *scheduler.Reloader
	Pipeline  *ingest.Pipeline
	Queue     *nexus.SystemQueue
	Nexus     *nexus.Regulator
	MCPServer *mcpserver.Server
	Router    *gin.Engine

	activity *activityTracker
	started  time.Time
	logger   logging.Logger
}

// New builds the full component graph. The context bounds startup-time I/O
// (database connect, schema ensure).
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:   cfg,
		activity: newActivityTracker(),
		started:  time.Now(),
		logger:   logging.NewComponentLogger("App"),
	}

	store, err := state.New(ctx, state.Config{
		URL:          cfg.Database.URL,
		MaxConns:     cfg.Database.MaxConns,
		PingTimeout:  cfg.Database.PingTimeout,
		QueryTimeout: cfg.Database.QueryTimeout,
	}, logging.NewComponentLogger("State"))
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	a.Store = store
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	a.LLM = llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.RouterBase,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}, logging.NewComponentLogger("LLM"))

	index, err := memory.NewSemanticIndex(cfg.LLM.RouterBase, cfg.LLM.APIKey, embeddingModel, logging.NewComponentLogger("Semantic"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("semantic index: %w", err)
	}
	a.Memory = memory.New(store, index, a.LLM, cfg.LLM.FastModel, logging.NewComponentLogger("Memory"))
	a.Sovereign = memory.NewSovereignSyncer(cfg.Memory.SovereignDir, a.Memory)

	a.Queue = nexus.NewSystemQueue()
	a.Global = breaker.NewGlobal(logging.NewComponentLogger("Breaker"), func() {
		a.Queue.Push(nexus.Event{
			Type:    nexus.EventSystemStatus,
			Content: "Background tasks paused: too many failures in the last five minutes.",
			Data:    map[string]any{"level": "critical"},
		})
	})
	a.Breakers = breaker.NewRegistry(logging.NewComponentLogger("Breaker"))

	a.MCP = mcp.NewManager(a.mcpSpecs(ctx), a.Breakers, logging.NewComponentLogger("MCP"))

	a.Sentinel = sentinel.New(store, a.LLM, sentinel.Config{
		Enabled:      cfg.Sentinel.Enabled,
		AuditModel:   cfg.LLM.FastModel,
		AuditTimeout: cfg.Sentinel.AuditTimeout,
	}, logging.NewComponentLogger("Sentinel"))

	pipeline, err := ingest.NewPipeline(cfg.Ingest, store,
		ingest.NewExtractor(a.LLM, cfg.LLM.VisionModel, logging.NewComponentLogger("Extract")),
		ingest.NewEnricher(a.LLM, cfg.LLM.FastModel, logging.NewComponentLogger("Enrich")),
		ingest.NewRetrievalClient(cfg.Ingest.RetrievalURL, logging.NewComponentLogger("Retrieval")),
		logging.NewComponentLogger("Ingest"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("ingest pipeline: %w", err)
	}
	a.Pipeline = pipeline

	toolRegistry := tools.NewRegistry(tools.RegistryDeps{
		Memory:   a.Memory,
		Status:   &statusRollup{app: a},
		Ingestor: pipeline,
		Sentinel: a.Sentinel,
	})
	a.Tools = tools.NewExecutor(toolRegistry, a.MCP, store, logging.NewComponentLogger("Tools"))

	a.Agent = agent.New(a.LLM, a.Tools, a.Memory, store, agent.Config{
		Model:         cfg.LLM.Model,
		MaxToolSteps:  cfg.LLM.MaxToolSteps,
		ContextTokens: cfg.LLM.ContextTokens,
	}, logging.NewComponentLogger("Agent"))

	night := config.NewNightWindow(cfg.Ingest)
	a.Scheduler = scheduler.New(a.Global, scheduler.Gates{
		Idle:  a.activity.Idle,
		Tempo: a.currentTempo,
		Night: night.Contains,
	}, &queueNotifier{queue: a.Queue, logger: logging.NewComponentLogger("Notify")},
		logging.NewComponentLogger("Scheduler"))

	runner := &promptRunner{agent: a.Agent}
	if err := a.Scheduler.RegisterBuiltins(scheduler.BuiltinDeps{
		Consolidator:  a.Memory,
		Sovereign:     a.Sovereign,
		Runner:        runner,
		HealthProbe:   a.healthProbe,
		PruneStale:    a.pruneStale,
		EvaluateTools: a.evaluateTools,
		AuditFacts:    a.auditFacts,
	}, a.logger); err != nil {
		store.Close()
		return nil, fmt.Errorf("built-in tasks: %w", err)
	}
	a.Reloader = scheduler.NewReloader(cfg.Scheduler.TaskDefDir, a.Scheduler, store, runner,
		logging.NewComponentLogger("Reload"))
	if cfg.Scheduler.ReloadEvery > 0 {
		a.Reloader.SetInterval(time.Duration(cfg.Scheduler.ReloadEvery) * time.Second)
	}

	triggers := nexus.NewTriggerRegistry(logging.NewComponentLogger("Triggers"))
	if cfg.Nexus.TriggerFile != "" {
		if err := triggers.LoadFile(cfg.Nexus.TriggerFile); err != nil {
			a.logger.Warn("Trigger file %s not loaded: %v", cfg.Nexus.TriggerFile, err)
		}
	}
	intent := nexus.NewIntentClassifier(a.LLM, cfg.LLM.FastModel, logging.NewComponentLogger("Intent"))
	a.Nexus = nexus.New(triggers, nexus.NewLayers(), a.Queue, a.Tools, intent, a.Agent,
		logging.NewComponentLogger("Nexus"))
	a.Nexus.SetGreeting(cfg.Nexus.Greeting)

	chain := mcpserver.Chain{
		mcpserver.NewLoggingInterceptor(logging.NewComponentLogger("MCPServer")),
		mcpserver.NewWriteOwnInterceptor(logging.NewComponentLogger("MCPServer")),
		mcpserver.NewPrivacyInterceptor(a.Memory, logging.NewComponentLogger("MCPServer")),
	}
	a.MCPServer = mcpserver.New(a.Tools, a.Agent, a.Memory, chain, cfg.Server.AuthToken,
		logging.NewComponentLogger("MCPServer"))

	a.Router = server.NewRouter(server.Deps{
		Chat: server.NewChatHandler(&trackedDispatcher{regulator: a.Nexus, activity: a.activity},
			cfg.LLM.Model, logging.NewComponentLogger("Chat")),
		Health:    server.NewHealthHandler(&statusRollup{app: a}, nil, logging.NewComponentLogger("Health")),
		MCP:        a.MCPServer,
		AuthToken:  cfg.Server.AuthToken,
		AdminToken: cfg.Server.AdminPassword,
		Logger:     logging.NewComponentLogger("HTTP"),
	})

	return a, nil
}

// Start launches the background loops. The context governs their lifetime.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Scheduler.Enabled {
		a.Scheduler.Start(ctx)
		if err := a.Reloader.Start(ctx); err != nil {
			return fmt.Errorf("task reloader: %w", err)
		}
	}
	if err := a.Pipeline.Start(ctx); err != nil {
		return fmt.Errorf("ingest pipeline: %w", err)
	}
	a.logger.Info("All subsystems started")
	return nil
}

// Stop shuts the components down in reverse dependency order.
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.MCP.Stop()
	a.Store.Close()
	a.logger.Info("Shutdown complete")
}

// mcpSpecs merges configured MCP servers with rows from the state store.
// Store rows win on name conflicts so operators can override config at
// runtime.
func (a *App) mcpSpecs(ctx context.Context) []mcp.ServerSpec {
	byName := make(map[string]mcp.ServerSpec)
	var order []string
	for _, s := range a.Config.MCP.Servers {
		byName[s.Name] = mcp.ServerSpec{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
			Enabled: s.Enabled,
			Core:    s.Core,
		}
		order = append(order, s.Name)
	}

	defs, err := a.Store.ListMCPServers(ctx)
	if err != nil {
		a.logger.Warn("MCP server defs from store unavailable: %v", err)
	}
	for _, d := range defs {
		if _, seen := byName[d.Name]; !seen {
			order = append(order, d.Name)
		}
		byName[d.Name] = mcp.ServerSpec{
			Name:    d.Name,
			Command: d.Command,
			Args:    d.Args,
			Env:     d.Env,
			Enabled: d.Enabled,
		}
	}

	specs := make([]mcp.ServerSpec, 0, len(order))
	for _, name := range order {
		specs = append(specs, byName[name])
	}
	return specs
}

// currentTempo reads the shared tempo ordinal; unknown state reads as
// FOCUSED, the most conservative level.
func (a *App) currentTempo() scheduler.Tempo {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := a.Store.GetSystemState(ctx, "tempo")
	if err != nil || st == nil {
		return scheduler.TempoFocused
	}
	level, _ := st.Details["level"].(string)
	return scheduler.ParseTempo(level)
}

// healthProbe backs the health_monitor built-in.
func (a *App) healthProbe(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	return a.Store.UpsertSystemState(ctx, "heartbeat", map[string]any{
		"at":       time.Now().Format(time.RFC3339),
		"uptime_s": int64(time.Since(a.started).Seconds()),
	}, "lifecycle")
}

func (a *App) pruneStale(ctx context.Context) error {
	n, err := a.Store.PruneLowConfidenceFacts(ctx, 0.2)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("Pruned %d low-confidence facts", n)
	}
	return nil
}

func (a *App) evaluateTools(ctx context.Context) error {
	_, err := a.Store.EvaluateToolRatings(ctx, 20, 0.3)
	return err
}

func (a *App) auditFacts(ctx context.Context) error {
	n, err := a.Memory.AuditFacts(ctx, 50)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("Confidence audit adjusted %d facts", n)
	}
	return nil
}
