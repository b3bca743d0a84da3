package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware records request metrics under the matched route pattern, so
// every object path shares the series of its route. Routes listed in skip
// (typically the scrape endpoint itself) are served but not recorded.
func Middleware(metrics *Metrics, skip ...string) gin.HandlerFunc {
	ignored := make(map[string]struct{}, len(skip))
	for _, route := range skip {
		ignored[route] = struct{}{}
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := ignored[route]; ok {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		metrics.InFlight.Inc()
		start := time.Now()
		c.Next()
		metrics.InFlight.Dec()

		metrics.RecordHTTPRequest(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
			max(c.Request.ContentLength, 0),
			int64(max(c.Writer.Size(), 0)),
		)
	}
}
