package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vechain/4337-bundler/internal/cache"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a single health check
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response
type Response struct {
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks,omitempty"`
	Version string  `json:"version,omitempty"`
}

// NodePinger checks upstream node reachability. entrypoint.Client satisfies
// this via PingNode, a live eth_blockNumber probe.
type NodePinger interface {
	PingNode(ctx context.Context) error
}

// Checker performs health checks
type Checker struct {
	redis   *cache.Client
	node    NodePinger
	version string
}

// NewChecker creates a new health checker. redis may be nil (no cache
// configured); node may be nil (used only by tests).
func NewChecker(redis *cache.Client, node NodePinger, version string) *Checker {
	return &Checker{
		redis:   redis,
		node:    node,
		version: version,
	}
}

// HealthHandler returns a handler for the /health endpoint (liveness)
func (h *Checker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Response{
			Status:  StatusHealthy,
			Version: h.version,
		})
	}
}

// ReadyHandler returns a handler for the /ready endpoint (readiness)
func (h *Checker) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := h.runChecks(ctx)
		overallStatus := h.calculateOverallStatus(checks)

		status := http.StatusOK
		if overallStatus != StatusHealthy {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, Response{
			Status:  overallStatus,
			Checks:  checks,
			Version: h.version,
		})
	}
}

// runChecks runs all health checks concurrently
func (h *Checker) runChecks(ctx context.Context) []Check {
	var wg sync.WaitGroup
	checksChan := make(chan Check, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		checksChan <- h.checkRedis(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		checksChan <- h.checkNode(ctx)
	}()

	go func() {
		wg.Wait()
		close(checksChan)
	}()

	var checks []Check
	for check := range checksChan {
		checks = append(checks, check)
	}

	return checks
}

// checkRedis checks Redis connectivity. Redis is optional (rate limiting
// falls back to an in-memory limiter when unconfigured), so its absence is
// degraded rather than unhealthy.
func (h *Checker) checkRedis(ctx context.Context) Check {
	check := Check{Name: "redis"}

	if h.redis == nil {
		check.Status = StatusDegraded
		check.Message = "redis not configured, using in-memory rate limiting"
		return check
	}

	if err := h.redis.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}

	check.Status = StatusHealthy
	return check
}

// checkNode checks upstream node reachability — a bundler that cannot
// reach its node can neither validate nor submit, so this failure is
// unhealthy rather than degraded.
func (h *Checker) checkNode(ctx context.Context) Check {
	check := Check{Name: "node"}

	if h.node == nil {
		check.Status = StatusUnhealthy
		check.Message = "node client not configured"
		return check
	}

	if err := h.node.PingNode(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}

	check.Status = StatusHealthy
	return check
}

// calculateOverallStatus determines the overall health status
func (h *Checker) calculateOverallStatus(checks []Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
