// Package api exposes the engine's read-only HTTP surface: status and
// trade history endpoints, Prometheus metrics and a websocket event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/database"
	"pafer-trading-engine/internal/events"
	"pafer-trading-engine/internal/execution"
	"pafer-trading-engine/internal/lifecycle"
	"pafer-trading-engine/internal/optimizer"
	"pafer-trading-engine/internal/params"
	"pafer-trading-engine/internal/risk"
)

// EngineStatus is the view of the lifecycle engine the API reads.
type EngineStatus interface {
	CurrentAttempt() *lifecycle.TradeAttempt
	LastAttempt() *lifecycle.TradeAttempt
}

// TradeStore lists persisted trades and optimization runs. Nil is
// allowed; the endpoints then report persistence as unavailable.
type TradeStore interface {
	RecentTrades(ctx context.Context, limit int) ([]database.TradeRecord, error)
	RecentRuns(ctx context.Context, limit int) ([]optimizer.Run, error)
}

// Deps carries everything the server reads from. Engine, Store and
// Executor are required; the rest may be nil.
type Deps struct {
	Symbol   string
	Engine   EngineStatus
	Store    *params.Store
	Executor execution.Executor
	Breaker  *risk.Breaker
	Trades   TradeStore
	Bus      *events.Bus
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	hub        *wsHub
	deps       Deps
	logger     zerolog.Logger
	started    time.Time
}

// NewServer wires the router. Call Start to begin serving.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		router:  router,
		deps:    deps,
		logger:  deps.Logger,
		started: time.Now(),
	}

	if deps.Bus != nil {
		s.hub = newWSHub(deps.Logger)
		go s.hub.run()
		deps.Bus.SubscribeAll(s.hub.broadcastEvent)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)

	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.deps.Gatherer, promhttp.HandlerOpts{},
		)))
	}

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/trades", s.handleTrades)
		api.GET("/parameters", s.handleParameters)
		api.GET("/optimizer/runs", s.handleRuns)
	}

	if s.hub != nil {
		s.router.GET("/ws", s.handleWebSocket)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.router }
