/*
Package monitoring provides Prometheus metrics for the script host.

# Overview

Metrics implements sandbox.Observer, so passing it to the pool records worker
lifecycles, scope counts, compiled script cache hits and the duration of every
host to worker request. HTTP traffic is recorded by Middleware.

# Usage

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	pool := sandbox.NewPool(cfg, sandbox.PoolOptions{Observer: metrics})
	router.Use(monitoring.Middleware(metrics, "/metrics"))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
*/
package monitoring
