// Package httpapi is the thin HTTP bridge over the core: every route
// delegates to a daemon or store operation. State is explicit — one
// AppState per server, no module globals.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bartholomew/internal/daemon"
	"bartholomew/internal/logging"
	"bartholomew/internal/metrics"
)

// Version reported by the health endpoints.
const Version = "0.2.0"

// AppState carries everything the handlers need.
type AppState struct {
	Daemon *daemon.Daemon
	Log    *zap.Logger
}

// Server wraps the gin engine and its listener.
type Server struct {
	state  *AppState
	engine *gin.Engine
	srv    *http.Server
}

// New builds the router. Metrics placement honors the internal-only
// toggle: truthy relocates the scrape handler to /internal/metrics and
// leaves /metrics unregistered, so it 404s.
func New(state *AppState) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(state.Log))

	s := &Server{state: state, engine: engine}

	engine.GET("/healthz", s.handleHealthz)

	metricsHandler := gin.WrapH(state.Daemon.Metrics().Handler())
	if metrics.InternalOnly() {
		engine.GET("/internal/metrics", metricsHandler)
	} else {
		engine.GET("/metrics", metricsHandler)
	}

	api := engine.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/nudges/pending", s.handlePendingNudges)
		api.POST("/nudges/:id/ack", s.handleNudgeAck)
		api.POST("/nudges/:id/dismiss", s.handleNudgeDismiss)
		api.GET("/reflection/daily/latest", s.handleLatestDaily)
		api.GET("/reflection/weekly/latest", s.handleLatestWeekly)
		api.POST("/reflection/run", s.handleRunReflection)
		api.POST("/water/log", s.handleWaterLog)
		api.GET("/water/today", s.handleWaterToday)
		api.GET("/liveness/ticks", s.handleTicks)
		api.GET("/search", s.handleSearch)
	}

	engine.POST("/kernel/command/:cmd", s.handleKernelCommand)

	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logging.HTTP("API listening on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requestLogger is a minimal structured access log.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if log == nil {
			return
		}
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
		)
	}
}
