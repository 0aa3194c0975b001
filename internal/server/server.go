package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vechain/4337-bundler/internal/cache"
	"github.com/vechain/4337-bundler/internal/config"
	"github.com/vechain/4337-bundler/internal/health"
	"github.com/vechain/4337-bundler/internal/metrics"
	"github.com/vechain/4337-bundler/internal/ratelimit"
	"github.com/vechain/4337-bundler/internal/rpc"
)

// Version is the service version (set at build time)
var Version = "dev"

// Server is the HTTP server for the bundler's JSON-RPC admission face.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	rpcHandler *rpc.Handler
	config     *config.Config
	metrics    *metrics.Metrics
	limiter    ratelimit.Limiter
	health     *health.Checker
}

// New creates a new bundler server. redisClient may be nil, in which case
// rate limiting falls back to an in-memory limiter.
func New(
	rpcHandler *rpc.Handler,
	redisClient *cache.Client,
	node health.NodePinger,
	cfg *config.Config,
	m *metrics.Metrics,
) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	healthChecker := health.NewChecker(redisClient, node, Version)

	router := gin.New()

	s := &Server{
		router:     router,
		rpcHandler: rpcHandler,
		config:     cfg,
		metrics:    m,
		limiter:    limiter,
		health:     healthChecker,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggingMiddleware())
	s.router.Use(CORSMiddleware())
	s.router.Use(s.metrics.Middleware())
	s.router.Use(RateLimitMiddleware(s.limiter))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.HealthHandler())
	s.router.GET("/ready", s.health.ReadyHandler())
	s.router.GET("/metrics", s.metrics.Handler())

	s.router.POST("/rpc", s.handleRPC)
}

// Start starts the HTTP server
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting bundler RPC server on port %d", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	s.waitForShutdown()
}

// waitForShutdown waits for interrupt signal and gracefully shuts down
func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
