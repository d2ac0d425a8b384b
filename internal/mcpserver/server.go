package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"antigravity/internal/async"
	"antigravity/internal/llm"
	"antigravity/internal/logging"
	"antigravity/internal/mcp"
	"antigravity/internal/tools"
)

const (
	protocolVersion  = "2024-11-05"
	serverName       = "antigravity"
	serverVersion    = "1.0.0"
	metaToolName     = "ask_antigravity"
	heartbeatEvery   = 30 * time.Second
	askDefaultPrompt = "Summarize the current system status."
)

// ToolExecutor is the aggregated tool surface exposed over the wire.
type ToolExecutor interface {
	Execute(ctx context.Context, call tools.Call) tools.Result
	Definitions() []tools.Definition
}

// AgentGateway backs the ask_antigravity meta-tool and the prompts methods.
type AgentGateway interface {
	Loop(ctx context.Context, messages []llm.Message, model, requestID string) (*llm.CompletionResponse, error)
	SystemPrompt(ctx context.Context) string
}

// ResourceReader resolves memory:// resources.
type ResourceReader interface {
	ReadResource(ctx context.Context, uri string) (string, error)
	ListResourceURIs(ctx context.Context) ([]string, error)
}

// Server exposes the aggregated tool surface to MCP clients over SSE.
type Server struct {
	executor  ToolExecutor
	agent     AgentGateway
	resources ResourceReader
	chain     Chain
	sessions  *SessionManager
	authToken string
	logger    logging.Logger
}

// New wires the MCP-facing server. agent and resources may be nil; the
// matching methods then return empty results.
func New(executor ToolExecutor, agent AgentGateway, resources ResourceReader, chain Chain, authToken string, logger logging.Logger) *Server {
	logger = logging.OrNop(logger)
	return &Server{
		executor:  executor,
		agent:     agent,
		resources: resources,
		chain:     chain,
		sessions:  NewSessionManager(logger),
		authToken: authToken,
		logger:    logger,
	}
}

// Sessions exposes the session manager for status reporting.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Mount registers the SSE and message routes on a gin engine.
func (s *Server) Mount(r gin.IRouter) {
	r.GET("/mcp/sse", s.handleSSE)
	r.POST("/mcp/messages", s.handleMessage)
}

// authorized checks the bearer token when one is configured.
func (s *Server) authorized(c *gin.Context) bool {
	if s.authToken == "" {
		return true
	}
	header := c.GetHeader("Authorization")
	return strings.TrimPrefix(header, "Bearer ") == s.authToken && strings.HasPrefix(header, "Bearer ")
}

// handleSSE opens a session and streams queued responses as message events.
// The first event tells the client where to POST.
func (s *Server) handleSSE(c *gin.Context) {
	if !s.authorized(c) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sess := s.sessions.Open()
	defer s.sessions.Close(sess.ID)
	s.logger.Info("MCP SSE connection established, session %s", sess.ID)

	fmt.Fprintf(w, "event: endpoint\ndata: {\"uri\":\"/mcp/messages?session_id=%s\"}\n\n", sess.ID)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case resp := <-sess.Outbound():
			data, err := json.Marshal(resp)
			if err != nil {
				s.logger.Error("Serialize response for session %s: %v", sess.ID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				s.logger.Info("MCP SSE write failed, closing session %s: %v", sess.ID, err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			s.logger.Info("MCP SSE connection closed, session %s", sess.ID)
			return
		}
	}
}

// handleMessage accepts one JSON-RPC request, acknowledges with 202, and
// produces the response asynchronously onto the session's SSE queue.
func (s *Server) handleMessage(c *gin.Context) {
	if !s.authorized(c) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	sessionID := c.Query("session_id")
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	req, err := mcp.UnmarshalRequest(body)
	if err != nil {
		s.sessions.Push(sess.ID, mcp.NewErrorResponse(nil, mcp.ParseError, "malformed request", err.Error()))
		c.Status(http.StatusAccepted)
		return
	}

	c.Status(http.StatusAccepted)

	ctx := context.WithoutCancel(c.Request.Context())
	async.Go(s.logger, "mcpserver.request", func() {
		if resp := s.handleRequest(ctx, sess, req); resp != nil {
			s.sessions.Push(sess.ID, resp)
		}
	})
}

// handleRequest dispatches one JSON-RPC method. Notifications return nil.
func (s *Server) handleRequest(ctx context.Context, sess *Session, req *mcp.Request) *mcp.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(sess, req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return mcp.NewResponse(req.ID, map[string]any{"tools": s.toolList()})
	case "tools/call":
		return s.handleToolCall(ctx, sess, req)
	case "resources/list":
		return s.handleResourcesList(ctx, req)
	case "resources/read":
		return s.handleResourcesRead(ctx, sess, req)
	case "prompts/list":
		return mcp.NewResponse(req.ID, map[string]any{
			"prompts": []map[string]any{{
				"name":        "system",
				"description": "The orchestrator's current system prompt, including permanent memory.",
			}},
		})
	case "prompts/get":
		return s.handlePromptsGet(ctx, req)
	case "ping":
		return mcp.NewResponse(req.ID, map[string]any{})
	case "debug/session":
		return mcp.NewResponse(req.ID, map[string]any{
			"session_id":   sess.ID,
			"client":       sess.Client(),
			"connected_at": sess.Connected.Format(time.RFC3339),
			"sessions":     s.sessions.Count(),
		})
	default:
		if req.IsNotification() {
			s.logger.Debug("Ignoring notification %s", req.Method)
			return nil
		}
		return mcp.NewErrorResponse(req.ID, mcp.MethodNotFound, "unknown method "+req.Method, nil)
	}
}

func (s *Server) handleInitialize(sess *Session, req *mcp.Request) *mcp.Response {
	if info, ok := req.Params["clientInfo"].(map[string]any); ok {
		if name, ok := info["name"].(string); ok {
			sess.SetClient(name)
		}
	}
	return mcp.NewResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{"name": serverName, "version": serverVersion},
	})
}

// toolList is the union of every executor tool plus the agent meta-tool.
func (s *Server) toolList() []map[string]any {
	defs := s.executor.Definitions()
	out := make([]map[string]any, 0, len(defs)+1)
	for _, d := range defs {
		out = append(out, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"inputSchema": d.InputSchema,
		})
	}
	out = append(out, map[string]any{
		"name":        metaToolName,
		"description": "Ask the resident agent a free-form question; it may use its own tools to answer.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string", "description": "The question or instruction."},
			},
			"required": []string{"prompt"},
		},
	})
	return out
}

func (s *Server) handleToolCall(ctx context.Context, sess *Session, req *mcp.Request) *mcp.Response {
	name, _ := req.Params["name"].(string)
	if name == "" {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "tool name required", nil)
	}
	args, _ := req.Params["arguments"].(map[string]any)

	if name == metaToolName {
		return s.handleAsk(ctx, sess, req, args)
	}

	args, err := s.chain.Apply(ctx, sess.Client(), name, args)
	if err != nil {
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			return mcp.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error(), nil)
	}

	res := s.executor.Execute(ctx, tools.Call{
		Name:      name,
		Arguments: args,
		RequestID: logging.NewRequestID(),
	})
	return mcp.NewResponse(req.ID, toolCallPayload(res))
}

func (s *Server) handleAsk(ctx context.Context, sess *Session, req *mcp.Request, args map[string]any) *mcp.Response {
	if s.agent == nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, "agent unavailable", nil)
	}
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt = askDefaultPrompt
	}
	resp, err := s.agent.Loop(ctx,
		[]llm.Message{{Role: "user", Content: prompt}}, "", logging.NewRequestID())
	if err != nil {
		s.logger.Warn("ask from %s failed: %v", sess.Client(), err)
		return mcp.NewResponse(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		})
	}
	return mcp.NewResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": resp.Content}},
		"isError": false,
	})
}

func (s *Server) handleResourcesList(ctx context.Context, req *mcp.Request) *mcp.Response {
	var resources []map[string]any
	if s.resources != nil {
		uris, err := s.resources.ListResourceURIs(ctx)
		if err != nil {
			return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error(), nil)
		}
		for _, uri := range uris {
			resources = append(resources, map[string]any{
				"uri":      uri,
				"name":     strings.TrimPrefix(uri, "memory://"),
				"mimeType": "text/markdown",
			})
		}
	}
	return mcp.NewResponse(req.ID, map[string]any{"resources": resources})
}

func (s *Server) handleResourcesRead(ctx context.Context, sess *Session, req *mcp.Request) *mcp.Response {
	uri, _ := req.Params["uri"].(string)
	if uri == "" {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "uri required", nil)
	}
	if s.resources == nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, "resources unavailable", nil)
	}

	// Same privacy rules as the read_resource tool.
	if _, err := s.chain.Apply(ctx, sess.Client(), "read_resource", map[string]any{"uri": uri}); err != nil {
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			return mcp.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error(), nil)
	}

	content, err := s.resources.ReadResource(ctx, uri)
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, err.Error(), nil)
	}
	return mcp.NewResponse(req.ID, map[string]any{
		"contents": []map[string]any{{"uri": uri, "mimeType": "text/markdown", "text": content}},
	})
}

func (s *Server) handlePromptsGet(ctx context.Context, req *mcp.Request) *mcp.Response {
	name, _ := req.Params["name"].(string)
	if name != "system" {
		return mcp.NewErrorResponse(req.ID, mcp.InvalidParams, "unknown prompt "+name, nil)
	}
	if s.agent == nil {
		return mcp.NewErrorResponse(req.ID, mcp.InternalError, "agent unavailable", nil)
	}
	return mcp.NewResponse(req.ID, map[string]any{
		"messages": []map[string]any{{
			"role":    "system",
			"content": map[string]any{"type": "text", "text": s.agent.SystemPrompt(ctx)},
		}},
	})
}

// toolCallPayload renders the executor envelope as MCP tool-result content.
func toolCallPayload(res tools.Result) map[string]any {
	text := fmt.Sprintf("%v", res.Result)
	if !res.OK {
		text = res.Error
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": !res.OK,
	}
}
