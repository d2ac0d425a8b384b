package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"antigravity/internal/logging"
	"antigravity/internal/mcp"
)

const (
	maxAttempts      = 3
	retryBackoffBase = 500 * time.Millisecond

	// defaultToolConcurrency bounds parallel executions of one tool name.
	defaultToolConcurrency = 4
)

// MCPRouter routes proxied tool calls to managed child servers. Implemented
// by mcp.Manager.
type MCPRouter interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolCallResult, error)
	AllTools() []mcp.ToolSchema
}

// OutcomeRecorder persists per-tool success counters. Implemented by the
// state store.
type OutcomeRecorder interface {
	RecordToolOutcome(ctx context.Context, tool string, ok bool) error
}

// Executor dispatches tool calls to the internal registry or, for mcp__
// names, to the MCP router, with retry and per-tool rate limiting.
type Executor struct {
	registry *Registry
	router   MCPRouter
	recorder OutcomeRecorder
	logger   logging.Logger

	mu     sync.Mutex
	limits map[string]*semaphore.Weighted
	sleep  func(time.Duration) // test seam
}

// NewExecutor wires the executor. router and recorder may be nil.
func NewExecutor(registry *Registry, router MCPRouter, recorder OutcomeRecorder, logger logging.Logger) *Executor {
	return &Executor{
		registry: registry,
		router:   router,
		recorder: recorder,
		logger:   logging.OrNop(logger),
		limits:   make(map[string]*semaphore.Weighted),
		sleep:    time.Sleep,
	}
}

// Definitions lists the internal tool schemas plus every cached MCP tool
// under its aggregated name.
func (e *Executor) Definitions() []Definition {
	defs := e.registry.Definitions()
	if e.router == nil {
		return defs
	}
	for _, t := range e.router.AllTools() {
		defs = append(defs, Definition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// Execute runs one call and always returns the result envelope. The error
// inside the envelope is what the model sees; Execute itself only fails on
// context cancellation before the call starts.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	start := time.Now()
	sem := e.limiter(call.Name)
	if err := sem.Acquire(ctx, 1); err != nil {
		return e.finish(ctx, call, start, nil, err)
	}
	defer sem.Release(1)

	var (
		out any
		err error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err = e.dispatch(ctx, call)
		if err == nil || !retryable(err) || attempt == maxAttempts {
			break
		}
		backoff := retryBackoffBase << (attempt - 1)
		e.logger.Warn("[%s] Tool %s attempt %d/%d failed, retrying in %s: %v",
			call.RequestID, call.Name, attempt, maxAttempts, backoff, err)
		execRetries.WithLabelValues(call.Name).Inc()
		select {
		case <-ctx.Done():
			return e.finish(ctx, call, start, nil, ctx.Err())
		default:
		}
		e.sleep(backoff)
	}
	return e.finish(ctx, call, start, out, err)
}

func (e *Executor) dispatch(ctx context.Context, call Call) (any, error) {
	if server, tool, ok := mcp.SplitProxyToolName(call.Name); ok {
		if e.router == nil {
			return nil, errors.New("tools: mcp router not configured")
		}
		res, err := e.router.CallTool(ctx, server, tool, call.Arguments)
		if err != nil {
			return nil, err
		}
		text := flattenContent(res)
		if res.IsError {
			return nil, errors.New(text)
		}
		return text, nil
	}

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		return nil, err
	}
	return tool.Execute(ctx, call.Arguments)
}

func (e *Executor) finish(ctx context.Context, call Call, start time.Time, out any, err error) Result {
	latency := time.Since(start)
	execDuration.WithLabelValues(call.Name).Observe(latency.Seconds())

	result := Result{
		Tool:      call.Name,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		execTotal.WithLabelValues(call.Name, "error").Inc()
	} else {
		result.OK = true
		result.Result = out
		execTotal.WithLabelValues(call.Name, "ok").Inc()
	}

	if e.recorder != nil {
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if recErr := e.recorder.RecordToolOutcome(recCtx, call.Name, result.OK); recErr != nil {
			e.logger.Debug("Record outcome for %s failed: %v", call.Name, recErr)
		}
	}
	return result
}

// limiter returns the per-tool concurrency gate, creating it on first use.
func (e *Executor) limiter(name string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.limits[name]
	if !ok {
		sem = semaphore.NewWeighted(defaultToolConcurrency)
		e.limits[name] = sem
	}
	return sem
}

// retryable reports whether an error is worth another attempt. Denials,
// unknown tools, open breakers and cancellation are terminal.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, mcp.ErrUnavailable),
		errors.Is(err, mcp.ErrUnknownServer),
		errors.Is(err, context.Canceled):
		return false
	case strings.HasPrefix(err.Error(), "SECURITY BLOCK"):
		return false
	case strings.Contains(err.Error(), "invalid arguments"):
		return false
	}
	return true
}

// flattenContent joins the text blocks of an MCP result.
func flattenContent(res *mcp.ToolCallResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, block := range res.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
