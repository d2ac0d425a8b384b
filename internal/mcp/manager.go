package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"antigravity/internal/async"
	"antigravity/internal/breaker"
	"antigravity/internal/logging"
)

// ErrUnavailable reports a server whose breaker is open.
var ErrUnavailable = errors.New("mcp_unavailable")

// ErrUnknownServer reports a call to an unregistered server name.
var ErrUnknownServer = errors.New("mcp: unknown server")

const (
	lockAcquireTimeout   = 10 * time.Second
	coreHandshakeTimeout = 20 * time.Second
	handshakeTimeout     = 15 * time.Second
	probeInterval        = 15 * time.Second
)

// ToolNamePrefix namespaces proxied MCP tools in the aggregated surface.
const ToolNamePrefix = "mcp__"

// ProxyToolName builds the aggregated name for a server tool.
func ProxyToolName(server, tool string) string {
	return ToolNamePrefix + server + "__" + tool
}

// SplitProxyToolName parses an aggregated name back into (server, tool).
func SplitProxyToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, ToolNamePrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, ToolNamePrefix)
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ServerSpec describes one managed MCP server.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string // remote transport, not yet spawned locally
	Enabled bool
	Core    bool
}

type managedServer struct {
	spec   ServerSpec
	client *Client
	// sem serializes spawn/handshake and the write+flush step of each call.
	sem chan struct{}
}

// Manager multiplexes tool calls across many child servers, spawning each
// lazily on first use and guarding it with a circuit breaker.
type Manager struct {
	mu       sync.Mutex
	servers  map[string]*managedServer
	breakers *breaker.Registry
	logger   logging.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager over the given server specs.
func NewManager(specs []ServerSpec, breakers *breaker.Registry, logger logging.Logger) *Manager {
	m := &Manager{
		servers:  make(map[string]*managedServer),
		breakers: breakers,
		logger:   logging.OrNop(logger),
		stop:     make(chan struct{}),
	}
	for _, spec := range specs {
		m.Register(spec)
	}
	async.Go(m.logger, "mcp.manager.probe", m.probeLoop)
	return m
}

// Register adds or replaces a server spec. A replaced server's old process
// keeps running until the next crash or Stop.
func (m *Manager) Register(spec ServerSpec) {
	if spec.Name == "" {
		return
	}
	if !spec.Core {
		spec.Core = breaker.CoreServices[spec.Name]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.servers[spec.Name]; ok {
		existing.spec = spec
		return
	}
	m.servers[spec.Name] = &managedServer{
		spec: spec,
		sem:  make(chan struct{}, 1),
	}
}

// ServerNames lists registered servers, sorted.
func (m *Manager) ServerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllTools returns every cached tool schema under its aggregated name.
// Servers that have never been spawned contribute nothing until first use.
func (m *Manager) AllTools() []ToolSchema {
	m.mu.Lock()
	servers := make([]*managedServer, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	var out []ToolSchema
	for _, s := range servers {
		if s.client == nil {
			continue
		}
		for _, tool := range s.client.Tools() {
			tool.Name = ProxyToolName(s.spec.Name, tool.Name)
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool routes one tool call to a server, spawning it if needed.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*ToolCallResult, error) {
	m.mu.Lock()
	managed, ok := m.servers[server]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	if !managed.spec.Enabled {
		return nil, fmt.Errorf("mcp: server %s disabled", server)
	}

	brk := m.breakers.Get(server)
	if brk.Open() {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, server)
	}

	var result *ToolCallResult
	err := brk.Do(func() error {
		client, err := m.ensureClient(ctx, managed)
		if err != nil {
			return err
		}
		result, err = client.CallTool(ctx, tool, args)
		return err
	})
	if errors.Is(err, breaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, server)
	}
	return result, err
}

// ensureClient spawns and handshakes the server under its per-server lock.
func (m *Manager) ensureClient(ctx context.Context, managed *managedServer) (*Client, error) {
	select {
	case managed.sem <- struct{}{}:
	case <-time.After(lockAcquireTimeout):
		return nil, fmt.Errorf("mcp: lock timeout for server %s", managed.spec.Name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-managed.sem }()

	if managed.client != nil && managed.client.Alive() {
		return managed.client, nil
	}

	if managed.spec.URL != "" {
		return nil, fmt.Errorf("mcp: remote transport not supported for %s", managed.spec.Name)
	}

	process := NewProcess(managed.spec.Name, ProcessConfig{
		Command: managed.spec.Command,
		Args:    managed.spec.Args,
		Env:     managed.spec.Env,
	})
	client := NewClient(managed.spec.Name, process)

	deadline := handshakeTimeout
	if managed.spec.Core {
		deadline = coreHandshakeTimeout
	}
	// Spawn detached from the caller's deadline so one slow request does not
	// kill the shared child.
	if err := client.Start(context.WithoutCancel(ctx), deadline); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", managed.spec.Name, err)
	}
	managed.client = client
	m.logger.Info("Server %s spawned, %d tools", managed.spec.Name, len(client.Tools()))
	return client, nil
}

// probeLoop retries spawn for core servers whose breaker is open.
func (m *Manager) probeLoop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		var cores []*managedServer
		for _, s := range m.servers {
			if s.spec.Core && s.spec.Enabled {
				cores = append(cores, s)
			}
		}
		m.mu.Unlock()

		for _, s := range cores {
			if !m.breakers.Get(s.spec.Name).Open() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), coreHandshakeTimeout)
			if _, err := m.ensureClient(ctx, s); err != nil {
				m.logger.Debug("Recovery probe for %s failed: %v", s.spec.Name, err)
			} else {
				m.logger.Info("Recovery probe for %s succeeded", s.spec.Name)
			}
			cancel()
		}
	}
}

// Stop shuts down every child process and the probe loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	servers := make([]*managedServer, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	for _, s := range servers {
		if s.client != nil {
			_ = s.client.Stop()
		}
	}
}
