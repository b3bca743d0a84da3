package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/environment"
	"github.com/GriffinCanCode/scripthost/internal/objects"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
)

// Version is reported by the root endpoint.
const Version = "1.0.0"

// Handlers serves object dispatch and administration over HTTP.
type Handlers struct {
	manager *environment.Manager
	store   *objects.Store
	pool    *sandbox.Pool
	metrics *HandlerMetrics
	logger  *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(manager *environment.Manager, store *objects.Store, pool *sandbox.Pool, metrics *HandlerMetrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		manager: manager,
		store:   store,
		pool:    pool,
		metrics: metrics,
		logger:  logger.Named("http"),
	}
}

// Root describes the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "scripthost",
		"version": Version,
		"endpoints": gin.H{
			"invoke":    "/objects/*path?Method=<function>",
			"wrapper":   "/wrapper/*path",
			"functions": "/functions/*path",
			"info":      "/info/*path",
			"source":    "/source/*path",
			"sources":   "/sources?pattern=<glob>",
			"metrics":   "/metrics",
		},
	})
}

// Health reports pool state. It answers 503 once the pool is closed or the
// provisioning breaker is open.
func (h *Handlers) Health(c *gin.Context) {
	stats := h.pool.Stats()
	status, code := "healthy", http.StatusOK
	if closed, _ := stats["closed"].(bool); closed {
		status, code = "closed", http.StatusServiceUnavailable
	} else if stats["provisioning"] == "open" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"timestamp":    time.Now().UTC(),
		"pool":         stats,
		"environments": h.manager.Len(),
	})
}
