package http

import (
	"time"

	"github.com/GriffinCanCode/scripthost/internal/infrastructure/monitoring"
)

// HandlerMetrics wraps handlers with metrics tracking
type HandlerMetrics struct {
	metrics *monitoring.Metrics
}

// NewHandlerMetrics creates a metrics wrapper. A nil collector disables tracking.
func NewHandlerMetrics(metrics *monitoring.Metrics) *HandlerMetrics {
	return &HandlerMetrics{metrics: metrics}
}

// TrackDispatch tracks a web-callable dispatch; call the result with its outcome.
func (hm *HandlerMetrics) TrackDispatch() func(err error) {
	start := time.Now()
	return func(err error) {
		if hm == nil || hm.metrics == nil {
			return
		}
		hm.metrics.RecordDispatch(err)
		hm.metrics.SandboxDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	}
}

// TrackStoreOperation tracks an object store operation.
func (hm *HandlerMetrics) TrackStoreOperation(operation string) func(err error) {
	return func(err error) {
		if hm == nil || hm.metrics == nil {
			return
		}
		hm.metrics.RecordStoreOperation(operation, err)
	}
}
