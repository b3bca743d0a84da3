package environment

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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
	os.Exit(m.Run())
}

type fixture struct {
	pool    *sandbox.Pool
	store   *objects.Store
	manager *Manager
}

func newFixture(t *testing.T, tweaks ...func(*sandbox.Config)) *fixture {
	t.Helper()

	cfg := sandbox.Config{
		Command:         os.Args[0],
		Args:            []string{"-test.run=^$"},
		Env:             append(os.Environ(), workerEnv+"=1"),
		PoolSize:        2,
		CompileTimeout:  5 * time.Second,
		ExecuteTimeout:  5 * time.Second,
		ShutdownTimeout: time.Second,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	pool := sandbox.NewPool(cfg, sandbox.PoolOptions{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = pool.Close() })

	store, err := objects.NewStore(t.TempDir(), utils.DefaultHasher(), zap.NewNop())
	require.NoError(t, err)

	manager := NewManager(pool, store, Options{Host: "objects.test:8080", Logger: zap.NewNop()})
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	return &fixture{pool: pool, store: store, manager: manager}
}

func (f *fixture) put(t *testing.T, path, source string) {
	t.Helper()
	_, err := f.store.Put(context.Background(), path, source)
	require.NoError(t, err)
}

func (f *fixture) env(t *testing.T, path string) *Environment {
	t.Helper()
	env, err := f.manager.Environment(context.Background(), path)
	require.NoError(t, err)
	return env
}

func adminRequest(method string, query map[string]string) *Request {
	q := map[string]string{"Method": method}
	for k, v := range query {
		q[k] = v
	}
	return &Request{User: "admin", Permission: Administer, Query: q}
}

// call resolves and runs a method, failing the test if it does not resolve.
func call(t *testing.T, env *Environment, req *Request) (*Response, error) {
	t.Helper()
	dispatch, ok := env.GetMethod(context.Background(), req)
	require.True(t, ok, "method %q should resolve", req.Method())
	return dispatch(context.Background(), req)
}
