package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"antigravity/internal/async"
	"antigravity/internal/logging"
)

// ProtocolVersion is the MCP protocol revision spoken to child servers.
const ProtocolVersion = "2024-11-05"

// DefaultCallTimeout bounds a single tools/call round trip.
const DefaultCallTimeout = 60 * time.Second

// ToolSchema represents an MCP tool definition discovered at handshake.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of calling a tool on a child server.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock represents a piece of content in a tool result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ServerInfo is the server identity from the initialize reply.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// Client drives JSON-RPC over stdio against one child server. At most one
// process is alive per client; exactly one initialize precedes any tools/call.
type Client struct {
	serverName  string
	process     *Process
	idGen       RequestIDGenerator
	pending     map[any]chan *Response
	mu          sync.Mutex
	logger      logging.Logger
	initialized bool
	serverInfo  *ServerInfo
	tools       []ToolSchema
	callTimeout time.Duration
}

// NewClient creates a stdio client bound to an unstarted process.
func NewClient(serverName string, process *Process) *Client {
	return &Client{
		serverName:  serverName,
		process:     process,
		pending:     make(map[any]chan *Response),
		logger:      logging.NewComponentLogger(fmt.Sprintf("MCPClient[%s]", serverName)),
		callTimeout: DefaultCallTimeout,
	}
}

// Start spawns the child, runs the initialize handshake within deadline, and
// caches the tool list.
func (c *Client) Start(ctx context.Context, handshakeDeadline time.Duration) error {
	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}

	async.Go(c.logger, "mcp.client.readLoop", c.readLoop)
	async.Go(c.logger, "mcp.client.exitWatch", c.watchExit)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	if err := c.initialize(hsCtx); err != nil {
		_ = c.process.Stop(5 * time.Second)
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := c.refreshTools(hsCtx); err != nil {
		_ = c.process.Stop(5 * time.Second)
		return fmt.Errorf("tools/list: %w", err)
	}
	c.logger.Info("Handshake complete, %d tools cached", len(c.Tools()))
	return nil
}

// Stop shuts down the child process.
func (c *Client) Stop() error {
	return c.process.Stop(5 * time.Second)
}

// Alive reports whether the child process is running and initialized.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.process.Running()
}

// Tools returns the cached tool schemas from the last handshake.
func (c *Client) Tools() []ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

// Info returns the server identity, nil before handshake.
func (c *Client) Info() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]any{"name": "antigravity", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}
	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var initResult initializeResult
	if err := unmarshalResult(result, &initResult); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if initResult.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("Protocol version mismatch: client=%s server=%s",
			ProtocolVersion, initResult.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = &initResult.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("Failed to send initialized notification: %v", err)
	}
	return nil
}

func (c *Client) refreshTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var reply struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := unmarshalResult(result, &reply); err != nil {
		return fmt.Errorf("parse tools list: %w", err)
	}
	c.mu.Lock()
	c.tools = reply.Tools
	c.mu.Unlock()
	return nil
}

// CallTool executes a tool on the child server with the per-call timeout.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if !c.Alive() {
		return nil, fmt.Errorf("client not initialized")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	result, err := c.call(callCtx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}

	var toolResult ToolCallResult
	if err := unmarshalResult(result, &toolResult); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &toolResult, nil
}

// call sends a JSON-RPC request and waits for the matching reply.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (any, error) {
	id := c.idGen.Next()
	req := NewRequest(id, method, params)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("-> %s (id=%v)", method, id)
	if err := c.process.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok || resp == nil {
			return nil, fmt.Errorf("server exited before reply")
		}
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", method, ctx.Err())
	}
}

func (c *Client) notify(method string, params map[string]any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.process.Write(append(data, '\n'))
}

// readLoop routes stdout replies to waiting callers until EOF.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.process.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		resp, err := UnmarshalResponse(line)
		if err != nil {
			c.logger.Warn("Unparseable frame from server: %v", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("No pending call for reply id=%v", resp.ID)
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
	c.logger.Debug("Read loop exited")
}

// watchExit fails all in-flight calls when the child dies so callers do not
// hang until their timeout.
func (c *Client) watchExit() {
	<-c.process.Exited()

	c.mu.Lock()
	c.initialized = false
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.logger.Warn("Server process exited, failed all pending calls")
}

// unmarshalResult re-marshals the loosely typed result into target.
func unmarshalResult(result any, target any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
