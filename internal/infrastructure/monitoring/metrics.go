package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/scripthost/internal/sandbox"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	// Worker metrics
	WorkersAlive         prometheus.Gauge
	WorkersSpawned       prometheus.Counter
	WorkerDeaths         *prometheus.CounterVec
	ProvisioningFailures prometheus.Counter

	// Scope and cache metrics
	ScopesActive prometheus.Gauge
	CacheLookups *prometheus.CounterVec

	// Sandbox call metrics
	SandboxCalls    *prometheus.CounterVec
	SandboxDuration *prometheus.HistogramVec

	// Dispatch metrics
	Dispatches *prometheus.CounterVec

	// Object store metrics
	StoreOperations *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

var _ sandbox.Observer = (*Metrics)(nil)

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	TotalDuration   float64 `json:"-"`
	RequestCount    int64   `json:"-"`
	WorkersAlive    int64   `json:"workers_alive"`
	WorkersSpawned  int64   `json:"workers_spawned"`
	WorkerDeaths    int64   `json:"worker_deaths"`
	ScopesActive    int64   `json:"scopes_active"`
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	SandboxTimeouts int64   `json:"sandbox_timeouts"`
}

// NewMetrics creates a metrics collector registered with reg. A nil reg
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scripthost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scripthost_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scripthost_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scripthost_http_requests_in_flight",
				Help: "HTTP requests currently being served",
			},
		),

		// Worker metrics
		WorkersAlive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scripthost_workers_alive",
				Help: "Number of live worker processes",
			},
		),
		WorkersSpawned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scripthost_workers_spawned_total",
				Help: "Total number of worker processes started",
			},
		),
		WorkerDeaths: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_worker_deaths_total",
				Help: "Total number of worker processes that ended, by reason",
			},
			[]string{"reason"},
		),
		ProvisioningFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scripthost_provisioning_failures_total",
				Help: "Total number of failed worker starts",
			},
		),

		// Scope and cache metrics
		ScopesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scripthost_scopes_active",
				Help: "Number of scopes not yet disposed across all workers",
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_script_cache_lookups_total",
				Help: "Compiled script cache lookups",
			},
			[]string{"result"},
		),

		// Sandbox call metrics
		SandboxCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_sandbox_calls_total",
				Help: "Total number of host to worker requests",
			},
			[]string{"op", "status"},
		),
		SandboxDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scripthost_sandbox_call_duration_seconds",
				Help:    "Host to worker request duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"op"},
		),

		// Dispatch metrics
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_dispatches_total",
				Help: "Web-callable function dispatches by outcome",
			},
			[]string{"status"},
		),

		// Object store metrics
		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_store_operations_total",
				Help: "Object store operations by outcome",
			},
			[]string{"op", "status"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scripthost_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	return m
}

// Run updates the uptime metric until stop is closed.
func (m *Metrics) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		}
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordDispatch records the outcome of a web-callable dispatch.
func (m *Metrics) RecordDispatch(err error) {
	m.Dispatches.WithLabelValues(sandbox.Classify(err)).Inc()
}

// RecordStoreOperation records an object store read or write.
func (m *Metrics) RecordStoreOperation(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperations.WithLabelValues(op, status).Inc()
}

// WorkerSpawned implements sandbox.Observer.
func (m *Metrics) WorkerSpawned() {
	m.WorkersSpawned.Inc()
	m.WorkersAlive.Inc()
	m.update(func(s *MetricsSnapshot) {
		s.WorkersSpawned++
		s.WorkersAlive++
	})
}

// WorkerDied implements sandbox.Observer.
func (m *Metrics) WorkerDied(reason string) {
	m.WorkerDeaths.WithLabelValues(reason).Inc()
	m.WorkersAlive.Dec()
	m.update(func(s *MetricsSnapshot) {
		s.WorkerDeaths++
		s.WorkersAlive--
		if reason == "timeout" {
			s.SandboxTimeouts++
		}
	})
}

// ProvisioningFailed implements sandbox.Observer.
func (m *Metrics) ProvisioningFailed() {
	m.ProvisioningFailures.Inc()
}

// ScopeOpened implements sandbox.Observer.
func (m *Metrics) ScopeOpened() {
	m.ScopesActive.Inc()
	m.update(func(s *MetricsSnapshot) { s.ScopesActive++ })
}

// ScopeClosed implements sandbox.Observer.
func (m *Metrics) ScopeClosed() {
	m.ScopesActive.Dec()
	m.update(func(s *MetricsSnapshot) { s.ScopesActive-- })
}

// CacheLookup implements sandbox.Observer.
func (m *Metrics) CacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		m.update(func(s *MetricsSnapshot) { s.CacheHits++ })
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
	m.update(func(s *MetricsSnapshot) { s.CacheMisses++ })
}

// CallCompleted implements sandbox.Observer.
func (m *Metrics) CallCompleted(op string, duration time.Duration, err error) {
	m.SandboxCalls.WithLabelValues(op, sandbox.Classify(err)).Inc()
	m.SandboxDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) update(fn func(*MetricsSnapshot)) {
	m.mu.Lock()
	fn(&m.snapshot)
	m.mu.Unlock()
}

// Snapshot returns the current values for the JSON API.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// AverageLatency returns the mean HTTP request duration.
func (m *Metrics) AverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot.RequestCount == 0 {
		return 0
	}
	return time.Duration(m.snapshot.TotalDuration / float64(m.snapshot.RequestCount) * float64(time.Second))
}

// UptimeSeconds returns seconds since the collector was created.
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
