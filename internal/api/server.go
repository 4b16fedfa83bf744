// Package api exposes the router over HTTP: OpenAI and Anthropic inference
// endpoints plus a small management surface for the blacklist, the pool and
// active streams.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/logging"
	"github.com/routercore/llmrouter/internal/pipeline"
	"github.com/routercore/llmrouter/internal/runtime"
	"github.com/routercore/llmrouter/internal/scheduler"
)

// ChatService is the execution surface the handlers depend on. Satisfied
// by *runtime.Service, faked in tests.
type ChatService interface {
	Complete(ctx context.Context, req runtime.ChatRequest) (pipeline.Result, error)
	Stream(ctx context.Context, req runtime.ChatRequest) (*pipeline.StreamResult, error)
	CountTokens(req runtime.ChatRequest) ([]byte, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr string
	// APIKeys authenticate inbound clients; empty allows all.
	APIKeys []string
	// Debug switches gin into debug mode.
	Debug bool
}

// Server hosts the inference and management endpoints.
type Server struct {
	opts        Options
	service     ChatService
	center      *errcenter.Center
	coordinator *scheduler.Coordinator
	engine      *gin.Engine
	httpServer  *http.Server
}

// NewServer wires the routes. center and coordinator feed the management
// endpoints and may be nil in tests that only exercise inference.
func NewServer(opts Options, service ChatService, center *errcenter.Center, coordinator *scheduler.Coordinator) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		opts:        opts,
		service:     service,
		center:      center,
		coordinator: coordinator,
		engine:      engine,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1", s.clientAuth())
	v1.POST("/chat/completions", s.ChatCompletions)
	v1.POST("/messages", s.Messages)
	v1.POST("/messages/count_tokens", s.CountTokens)

	mgmt := s.engine.Group("/v0/management", s.clientAuth())
	mgmt.GET("/blacklist", s.listBlacklist)
	mgmt.DELETE("/blacklist/:pipeline", s.unblacklist)
	mgmt.GET("/pool", s.listPool)
	mgmt.GET("/streams", s.listStreams)
	mgmt.GET("/stats", s.stats)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{Addr: s.opts.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api server listening on %s", s.opts.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// clientAuth rejects requests without a configured API key. Keys arrive as
// Authorization bearer tokens or the x-api-key header Anthropic clients use.
func (s *Server) clientAuth() gin.HandlerFunc {
	keys := make(map[string]bool, len(s.opts.APIKeys))
	for _, k := range s.opts.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		candidate := c.GetHeader("x-api-key")
		if candidate == "" {
			bearer := c.GetHeader("Authorization")
			candidate = strings.TrimPrefix(bearer, "Bearer ")
		}
		if !keys[candidate] {
			writeError(c, errcenter.New(errcenter.CodeInvalidCredentials, "api", "invalid or missing API key"), nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// requestLogger tags every request with an id and logs the outcome.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}
		c.Set("requestID", requestID)
		c.Header("X-Request-Id", requestID)

		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request": requestID,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debugf("%s %s", c.Request.Method, c.Request.URL.Path)
	}
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get("requestID"); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
