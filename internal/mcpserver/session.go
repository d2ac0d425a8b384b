package mcpserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"antigravity/internal/logging"
	"antigravity/internal/mcp"
)

const sessionQueueCapacity = 64

// Session is one connected SSE client. Responses are produced asynchronously
// onto the outbound queue; the SSE loop drains it.
type Session struct {
	ID        string
	Connected time.Time

	mu       sync.Mutex
	client   string
	outbound chan *mcp.Response
}

// Client returns the name the peer declared at initialize.
func (s *Session) Client() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == "" {
		return "mcp-client"
	}
	return s.client
}

// SetClient records the peer name from the initialize handshake.
func (s *Session) SetClient(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != "" {
		s.client = name
	}
}

// Outbound is the response queue the SSE loop reads.
func (s *Session) Outbound() <-chan *mcp.Response {
	return s.outbound
}

// SessionManager tracks live SSE sessions by id.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   logging.Logger
}

// NewSessionManager creates an empty manager.
func NewSessionManager(logger logging.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		logger:   logging.OrNop(logger),
	}
}

// Open registers a new session with a fresh uuid.
func (m *SessionManager) Open() *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Connected: time.Now(),
		outbound:  make(chan *mcp.Response, sessionQueueCapacity),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.Debug("Session %s opened", s.ID)
	return s
}

// Get looks a session up by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close drops the session; the SSE loop owns closing the queue by returning.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.logger.Debug("Session %s closed", id)
}

// Count reports the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Push enqueues a response for the SSE loop; full queues drop with a warning
// so a stalled client cannot block request processing.
func (m *SessionManager) Push(id string, resp *mcp.Response) {
	s, ok := m.Get(id)
	if !ok {
		m.logger.Warn("Dropping response for unknown session %s", id)
		return
	}
	select {
	case s.outbound <- resp:
	default:
		m.logger.Warn("Session %s queue full, dropping response id=%v", id, resp.ID)
	}
}
