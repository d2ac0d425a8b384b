package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"antigravity/internal/logging"
)

const (
	connectivityProbeURL = "https://www.google.com/generate_204"
	connectivityTTL      = 30 * time.Second
	connectivityTimeout  = 3 * time.Second
)

// StatusSource produces the subsystem rollup for the admin endpoint.
type StatusSource interface {
	SystemStatus(ctx context.Context) (map[string]any, error)
}

// Connectivity probes internet reachability with a short-lived cache so the
// health endpoint stays cheap under polling.
type Connectivity struct {
	client *http.Client

	mu      sync.Mutex
	online  bool
	checked time.Time
}

// NewConnectivity creates the probe.
func NewConnectivity() *Connectivity {
	return &Connectivity{client: &http.Client{Timeout: connectivityTimeout}}
}

// Online reports cached internet reachability.
func (p *Connectivity) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.checked) < connectivityTTL {
		return p.online
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, connectivityProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	p.online = err == nil
	if resp != nil {
		resp.Body.Close()
	}
	p.checked = time.Now()
	return p.online
}

// HealthHandler serves liveness and the admin status rollup.
type HealthHandler struct {
	status  StatusSource
	probe   *Connectivity
	started time.Time
	logger  logging.Logger
}

// NewHealthHandler wires the health surface. status may be nil.
func NewHealthHandler(status StatusSource, probe *Connectivity, logger logging.Logger) *HealthHandler {
	if probe == nil {
		probe = NewConnectivity()
	}
	return &HealthHandler{
		status:  status,
		probe:   probe,
		started: time.Now(),
		logger:  logging.OrNop(logger),
	}
}

// HandleHealth answers the liveness probe.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	internet := h.probe.Online(c.Request.Context())
	status := "ok"
	if !internet {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"ok":       true,
		"internet": internet,
		"uptime_s": int64(time.Since(h.started).Seconds()),
	})
}

// HandleSystemStatus answers the subsystem rollup.
func (h *HealthHandler) HandleSystemStatus(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	status, err := h.status.SystemStatus(c.Request.Context())
	if err != nil {
		h.logger.Warn("System status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}
