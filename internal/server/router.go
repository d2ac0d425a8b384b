package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"antigravity/internal/logging"
)

// RequestIDHeader is honored when the client supplies one.
const RequestIDHeader = "X-Request-ID"

// MCPMount lets the MCP-facing server attach its routes.
type MCPMount interface {
	Mount(r gin.IRouter)
}

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Chat       *ChatHandler
	Health     *HealthHandler
	MCP        MCPMount
	AuthToken  string
	AdminToken string // admin surface credential; falls back to AuthToken
	Logger     logging.Logger
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(deps Deps) *gin.Engine {
	logger := logging.OrNop(deps.Logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", RequestIDHeader},
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	adminToken := deps.AdminToken
	if adminToken == "" {
		adminToken = deps.AuthToken
	}
	if deps.Health != nil {
		r.GET("/health", deps.Health.HandleHealth)
		r.GET("/admin/system-status", bearerAuth(adminToken), deps.Health.HandleSystemStatus)
	}
	if deps.Chat != nil {
		r.POST("/v1/chat/completions", bearerAuth(deps.AuthToken), deps.Chat.HandleChatCompletions)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.MCP != nil {
		deps.MCP.Mount(r)
	}
	return r
}

// requestID honors the inbound header or synthesizes an 8-char hex id.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = logging.NewRequestID()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d in %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// bearerAuth enforces the configured token; an empty token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(401, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return logging.NewRequestID()
}
