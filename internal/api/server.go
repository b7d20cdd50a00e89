// Package api exposes the canvas lifecycle over HTTP and websocket. The
// handlers are thin: bind and validate the inbound shape, map it onto a
// dispatch request, call the orchestrator, translate errors to status codes.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/easelhq/easel/internal/orchestrator"
)

// Server is the HTTP surface of the easel daemon.
type Server struct {
	engine  *gin.Engine
	service *orchestrator.Service
	http    *http.Server
}

// NewServer builds the router. gatherer feeds /metrics; pass the registry
// the orchestrator metrics were registered on.
func NewServer(service *orchestrator.Service, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		service: service,
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	{
		v1.POST("/canvases", s.handleCreate)
		v1.GET("/canvases/:id/versions", s.handleHistory)
		v1.POST("/canvases/:id/versions", s.handleEvolve)
		v1.POST("/canvases/:id/versions/:vid/select", s.handleSelect)
		v1.DELETE("/canvases/:id/versions/:vid", s.handleDelete)
		v1.GET("/canvases/:id/ws", s.handleWebsocket)
		v1.GET("/conversations/:id/summary", s.handleSummary)
	}

	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) {
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[API] Server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// handleHealth reports liveness and Redis connectivity.
// Returns 200 when Redis answers, 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.service.Store().Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"redis":  "connected",
	})
}
