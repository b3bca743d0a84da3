package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/scripthost/internal/api/middleware"
	"github.com/GriffinCanCode/scripthost/internal/environment"
)

// RegisterRoutes mounts the handlers on router. Identity must already be in
// the middleware chain.
func RegisterRoutes(router gin.IRouter, h *Handlers, ma *MetricsAggregator, gatherer prometheus.Gatherer) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	// Object dispatch
	router.GET("/objects/*path", h.Invoke)
	router.POST("/objects/*path", h.Invoke)
	router.GET("/wrapper/*path", h.Wrapper)
	router.GET("/functions/*path", h.Functions)
	router.GET("/info/*path", h.Info)

	// Object administration
	admin := router.Group("/", middleware.RequirePermission(environment.Write))
	admin.GET("/sources", h.ListSources)
	admin.GET("/source/*path", h.GetSource)
	admin.PUT("/source/*path", h.PutSource)
	admin.DELETE("/source/*path", h.DeleteSource)

	// Metrics endpoints
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/metrics/json", ma.GetAggregatedMetrics)
}
