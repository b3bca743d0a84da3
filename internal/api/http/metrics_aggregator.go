package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/scripthost/internal/environment"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
)

// MetricsAggregator combines collector counters with live pool state
type MetricsAggregator struct {
	metrics *monitoring.Metrics
	pool    *sandbox.Pool
	manager *environment.Manager
}

// NewMetricsAggregator creates a metrics aggregator
func NewMetricsAggregator(metrics *monitoring.Metrics, pool *sandbox.Pool, manager *environment.Manager) *MetricsAggregator {
	return &MetricsAggregator{metrics: metrics, pool: pool, manager: manager}
}

// MetricsSnapshot represents a snapshot of all host metrics
type MetricsSnapshot struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Counters     monitoring.MetricsSnapshot `json:"counters"`
	Pool         map[string]interface{}     `json:"pool"`
	Environments int                        `json:"environments"`
	Summary      MetricsSummary             `json:"summary"`
}

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// GetAggregatedMetrics returns the JSON metrics snapshot
func (ma *MetricsAggregator) GetAggregatedMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, ma.Snapshot())
}

// Snapshot collects the current values.
func (ma *MetricsAggregator) Snapshot() MetricsSnapshot {
	counters := ma.metrics.Snapshot()
	return MetricsSnapshot{
		Timestamp:    time.Now().UTC(),
		Counters:     counters,
		Pool:         ma.pool.Stats(),
		Environments: ma.manager.Len(),
		Summary:      ma.summarize(counters),
	}
}

func (ma *MetricsAggregator) summarize(s monitoring.MetricsSnapshot) MetricsSummary {
	var errorRate float64
	if s.TotalRequests > 0 {
		errorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}

	var hitRate float64
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		hitRate = float64(s.CacheHits) / float64(lookups)
	}

	return MetricsSummary{
		TotalRequests:    s.TotalRequests,
		AverageLatencyMs: float64(ma.metrics.AverageLatency()) / float64(time.Millisecond),
		ErrorRate:        errorRate,
		CacheHitRate:     hitRate,
		UptimeSeconds:    ma.metrics.UptimeSeconds(),
	}
}
