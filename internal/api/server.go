// Package api exposes the engine over HTTP: execution queries and decisions,
// pipeline CRUD with YAML import/export, out-of-band approval links, signal
// intake and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantpipe/quantpipe/internal/approval"
	"github.com/quantpipe/quantpipe/internal/dispatch"
	"github.com/quantpipe/quantpipe/internal/events"
	"github.com/quantpipe/quantpipe/internal/store"
)

// Canceller flags an execution for cancellation at the next safe point
type Canceller interface {
	RequestCancel(ctx context.Context, executionID uuid.UUID) error
}

// Config contains server configuration
type Config struct {
	Host string
	Port int
	Auth *AuthConfig
}

// Server is the REST API server
type Server struct {
	router     *gin.Engine
	store      store.Store
	pipelines  store.PipelineStore
	gate       *approval.Gate
	dispatcher *dispatch.Dispatcher
	canceller  Canceller
	bus        *events.Bus
	keys       *APIKeyStore
	addr       string
	server     *http.Server
}

// NewServer creates the API server
func NewServer(cfg Config, st store.Store, ps store.PipelineStore, gate *approval.Gate,
	dispatcher *dispatch.Dispatcher, canceller Canceller, bus *events.Bus, keys *APIKeyStore) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:     router,
		store:      st,
		pipelines:  ps,
		gate:       gate,
		dispatcher: dispatcher,
		canceller:  canceller,
		bus:        bus,
		keys:       keys,
		addr:       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	s.setupRoutes(cfg.Auth)
	return s
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs every request through zerolog
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}
