// Package middleware provides the gin middleware in front of object dispatch.
//
// Middleware stack:
//   - CORS: Cross-origin resource sharing for browser wrapper clients
//   - Identify: Reads the caller from X-User, X-Permission and
//     X-Named-Permissions headers set by an authenticating proxy
//   - RateLimit: Per-caller token bucket, keyed by user or client IP
//   - RequirePermission: Guards object administration routes
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.Identify())
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
