package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	handlers "github.com/GriffinCanCode/scripthost/internal/api/http"
	"github.com/GriffinCanCode/scripthost/internal/api/middleware"
	"github.com/GriffinCanCode/scripthost/internal/environment"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/scripthost/internal/objects"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

// WorkerFlag makes the binary run as a sandbox worker.
const WorkerFlag = "-worker"

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	http     *http.Server
	pool     *sandbox.Pool
	manager  *environment.Manager
	store    *objects.Store
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	registry *prometheus.Registry
	tracer   *tracing.Tracer

	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing script host",
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Root),
		zap.Int("pool_size", cfg.Sandbox.PoolSize),
	)

	// Initialize metrics first (needed by other components)
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	algorithm, err := utils.ParseHashAlgorithm(cfg.Store.Hash)
	if err != nil {
		return nil, err
	}
	store, err := objects.NewStore(cfg.Store.Root, utils.NewHasher(algorithm), logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	pool := sandbox.NewPool(SandboxConfig(cfg), sandbox.PoolOptions{
		Logger:   logger.Logger,
		Observer: metrics,
	})
	if cfg.Sandbox.Prewarm {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.CompileTimeout.Std())
		if err := pool.Warm(ctx); err != nil {
			logger.Warn("Failed to prewarm workers", zap.Error(err))
		}
		cancel()
	}

	manager := environment.NewManager(pool, store, environment.Options{
		Host:   cfg.Server.PublicHost,
		Logger: logger.Logger,
	})

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	tracer := tracing.New("scripthost", logger.Logger)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics, "/metrics"))
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Server.CORSOrigins
	router.Use(middleware.CORS(cors))
	router.Use(middleware.Identify())
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	h := handlers.NewHandlers(manager, store, pool, handlers.NewHandlerMetrics(metrics), logger.Logger)
	aggregator := handlers.NewMetricsAggregator(metrics, pool, manager)
	handlers.RegisterRoutes(router, h, aggregator, registry)

	s := &Server{
		router:   router,
		pool:     pool,
		manager:  manager,
		store:    store,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		registry: registry,
		tracer:   tracer,
		stop:     make(chan struct{}),
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go metrics.Run(s.stop)

	logger.Info("Server initialized successfully")
	return s, nil
}

// SandboxConfig translates configuration into the worker pool's settings.
// Without an explicit worker command the current binary is re-executed with
// WorkerFlag.
func SandboxConfig(cfg *config.Config) sandbox.Config {
	sc := sandbox.DefaultConfig()
	if cfg.Sandbox.WorkerCommand != "" {
		sc.Command, sc.Args = cfg.Sandbox.WorkerCommand, nil
	} else {
		sc.Args = []string{WorkerFlag}
	}
	sc.Env = append(os.Environ(), logging.WorkerLevelEnv+"="+cfg.Logging.Level)
	sc.PoolSize = cfg.Sandbox.PoolSize
	sc.RecycleAfter = cfg.Sandbox.RecycleAfter
	sc.CompileTimeout = cfg.Sandbox.CompileTimeout.Std()
	sc.ExecuteTimeout = cfg.Sandbox.ExecuteTimeout.Std()
	sc.ShutdownTimeout = cfg.Sandbox.ShutdownTimeout.Std()
	sc.ShareCompiled = cfg.Sandbox.ShareCompiled
	if cfg.Sandbox.ProvisionFailures > 0 {
		sc.ProvisionFailures = cfg.Sandbox.ProvisionFailures
	}
	if cfg.Sandbox.ProvisionCooldown > 0 {
		sc.ProvisionCooldown = cfg.Sandbox.ProvisionCooldown.Std()
	}
	return sc
}

// Handler returns the router, for serving without a listener.
func (s *Server) Handler() http.Handler { return s.router }

// Logger returns the server's logger.
func (s *Server) Logger() *logging.Logger { return s.logger }

// Run starts the HTTP server and blocks until it stops. A server stopped by
// Shutdown returns nil.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then disposes
// every environment and kills the workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")

		var errs []error
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close environments: %w", err))
		}
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
		close(s.stop)
		s.tracer.Close()

		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Error("Shutdown incomplete", zap.Error(s.closeErr))
		} else {
			s.logger.Info("Server stopped")
		}
		_ = s.logger.Sync()
	})
	return s.closeErr
}
