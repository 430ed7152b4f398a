// Package api is the orchestrator's HTTP surface: the REST routes the
// dashboard consumes, the inbound creature event sink, the live SSE and
// websocket streams, and the LLM proxy mount.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/menagerie-sh/menagerie/pkg/cost"
	"github.com/menagerie-sh/menagerie/pkg/creator"
	"github.com/menagerie-sh/menagerie/pkg/events"
	"github.com/menagerie-sh/menagerie/pkg/fleet"
	"github.com/menagerie-sh/menagerie/pkg/health"
	"github.com/menagerie-sh/menagerie/pkg/llmproxy"
	"github.com/menagerie-sh/menagerie/pkg/narrator"
)

// shutdownGrace bounds in-flight request completion on shutdown.
const shutdownGrace = 5 * time.Second

// Deps are the collaborators the server exposes over HTTP.
type Deps struct {
	Fleet    *fleet.Manager
	Store    *events.Store
	Cost     *cost.Tracker
	Health   *health.Monitor
	Narrator *narrator.Narrator
	Creator  *creator.Creator
	Proxy    *llmproxy.Proxy
	Version  string
}

// Server wraps the gin engine and the http.Server lifecycle.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the engine and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		deps:   deps,
		engine: engine,
		logger: slog.With("component", "api"),
	}
	s.routes()
	return s
}

// Engine exposes the router for httptest.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) routes() {
	// LLM proxy mount: the path creatures are pointed at, plus an alias
	// under /api for dashboard debugging.
	if s.deps.Proxy != nil {
		s.engine.POST("/v1/messages", s.deps.Proxy.Handle)
		s.engine.POST("/api/llm/v1/messages", s.deps.Proxy.Handle)
	}

	api := s.engine.Group("/api")

	api.GET("/creatures", s.listCreatures)
	api.POST("/creatures", s.spawnCreature)

	api.POST("/creatures/:name/start", s.lifecycle(actionStart))
	api.POST("/creatures/:name/stop", s.lifecycle(actionStop))
	api.POST("/creatures/:name/restart", s.lifecycle(actionRestart))
	api.POST("/creatures/:name/rebuild", s.lifecycle(actionRebuild))
	api.POST("/creatures/:name/wake", s.lifecycle(actionWake))
	api.POST("/creatures/:name/archive", s.archiveCreature)

	api.GET("/creatures/:name/events", s.creatureEvents)
	api.POST("/creatures/:name/event", s.inboundEvent)
	api.POST("/creatures/:name/evolve", s.evolveCreature)

	api.GET("/creatures/:name/budget", s.getCreatureBudget)
	api.PUT("/creatures/:name/budget", s.putCreatureBudget)
	api.GET("/budget", s.getGlobalBudget)
	api.PUT("/budget", s.putGlobalBudget)

	api.GET("/usage", s.getUsage)

	api.GET("/narrator/config", s.getNarratorConfig)
	api.PUT("/narrator/config", s.putNarratorConfig)
	api.GET("/narration", s.getNarration)

	api.GET("/status", s.getStatus)
	api.GET("/events", s.streamSSE)
	api.GET("/ws", s.streamWS)
}

// Run serves until ctx is cancelled, then drains with a bounded grace
// period.
func (s *Server) Run(ctx context.Context, port int) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "port", port)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(shCtx)
}

// requestLogger is the slog access log, skipping the long-lived stream
// endpoints.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/api/events" || path == "/api/ws" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
