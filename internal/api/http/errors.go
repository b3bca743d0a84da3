package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/api/middleware"
	"github.com/GriffinCanCode/scripthost/internal/environment"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/scripthost/internal/objects"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
)

// statusFor maps a dispatch or store failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, objects.ErrNotFound), errors.Is(err, sandbox.ErrUnknownFunction):
		return http.StatusNotFound
	case errors.Is(err, environment.ErrBadConvention):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, sandbox.ErrProvisioning),
		errors.Is(err, sandbox.ErrPoolClosed),
		errors.Is(err, sandbox.ErrCrash),
		errors.Is(err, sandbox.ErrScopeDead),
		errors.Is(err, sandbox.ErrScopeDisposed),
		errors.Is(err, environment.ErrClosed),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes err as JSON. Script exceptions and compile errors
// may leak object internals, so their text is only shown to administrators.
func (h *Handlers) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	message := http.StatusText(status)

	caller, _ := middleware.CallerFrom(c)
	revealed := status < http.StatusInternalServerError ||
		caller.Permission >= environment.Administer ||
		!(errors.Is(err, sandbox.ErrException) || errors.Is(err, sandbox.ErrCompile))
	if revealed {
		message = err.Error()
	}

	fields := []zap.Field{
		zap.String("path", c.Request.URL.Path),
		zap.String("kind", sandbox.Classify(err)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if traceID := tracing.GetTraceID(c.Request.Context()); traceID != "" {
		fields = append(fields, zap.String("trace_id", string(traceID)))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", fields...)
	} else {
		h.logger.Debug("Request rejected", fields...)
	}

	if wait, ok := resilience.RetryAfter(err); ok {
		c.Header("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
