package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// IdleTTL is how long an idle caller's bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns production-ready rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		IdleTTL:           10 * time.Minute,
	}
}

// sweepEvery is the number of new buckets between idle sweeps.
const sweepEvery = 1024

// RateLimit creates a per-caller rate limiting middleware. Callers are keyed
// by the identified user, falling back to the client IP for anonymous
// requests, so it must run after Identify.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
		created int
	)

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if caller, ok := CallerFrom(c); ok && !caller.Anonymous() {
			key = "user:" + caller.User
		}
		now := time.Now()

		mu.Lock()
		cl, exists := clients[key]
		if !exists {
			cl = &client{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
			clients[key] = cl
			created++
			if created%sweepEvery == 0 {
				for k, other := range clients {
					if now.Sub(other.lastSeen) > cfg.IdleTTL {
						delete(clients, k)
					}
				}
			}
		}
		cl.lastSeen = now
		limiter := cl.limiter
		mu.Unlock()

		if !limiter.AllowN(now, 1) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

