package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/api/middleware"
	"github.com/GriffinCanCode/scripthost/internal/environment"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scripthost/internal/objects"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
	"github.com/GriffinCanCode/scripthost/internal/sandbox/engine"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

const workerEnv = "SCRIPTHOST_TEST_WORKER"

// TestMain turns the test binary into a worker process when re-executed.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		if err := engine.Serve(context.Background(), os.Stdin, os.Stdout, zap.NewNop()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	router  *gin.Engine
	store   *objects.Store
	manager *environment.Manager
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T, cfg sandbox.Config) *fixture {
	t.Helper()

	if cfg.Command == "" {
		cfg.Command = os.Args[0]
		cfg.Args = []string{"-test.run=^$"}
	}
	cfg.Env = append(os.Environ(), workerEnv+"=1")
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 1
	}
	if cfg.ExecuteTimeout == 0 {
		cfg.ExecuteTimeout = 5 * time.Second
	}
	cfg.CompileTimeout = 5 * time.Second
	cfg.ShutdownTimeout = time.Second

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	pool := sandbox.NewPool(cfg, sandbox.PoolOptions{Logger: zap.NewNop(), Observer: metrics})
	t.Cleanup(func() { _ = pool.Close() })

	store, err := objects.NewStore(t.TempDir(), utils.DefaultHasher(), zap.NewNop())
	require.NoError(t, err)

	manager := environment.NewManager(pool, store, environment.Options{Host: "objects.test", Logger: zap.NewNop()})
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	router := gin.New()
	router.Use(middleware.Identify())
	h := NewHandlers(manager, store, pool, NewHandlerMetrics(metrics), zap.NewNop())
	RegisterRoutes(router, h, NewMetricsAggregator(metrics, pool, manager), registry)

	return &fixture{router: router, store: store, manager: manager, metrics: metrics}
}

func (f *fixture) put(t *testing.T, path, source string) {
	t.Helper()
	_, err := f.store.Put(context.Background(), path, source)
	require.NoError(t, err)
}

// as identifies a request; an empty user leaves it anonymous.
type as struct {
	user       string
	permission string
	named      string
}

var admin = as{user: "admin", permission: "Administer"}

func (f *fixture) do(method, target string, who as, contentType, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if who.user != "" {
		req.Header.Set(middleware.HeaderUser, who.user)
	}
	if who.permission != "" {
		req.Header.Set(middleware.HeaderPermission, who.permission)
	}
	if who.named != "" {
		req.Header.Set(middleware.HeaderNamedPermissions, who.named)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(target string, who as) *httptest.ResponseRecorder {
	return f.do(http.MethodGet, target, who, "", "")
}
