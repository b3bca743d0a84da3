package environment

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/scripthost/internal/objects"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

// Manager hands out the environment for each object path and replaces it
// when the object's script changes.
type Manager struct {
	pool   *sandbox.Pool
	loader Loader
	opts   Options
	logger *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	envs  map[string]*Environment
}

// NewManager creates a manager over pool and loader.
func NewManager(pool *sandbox.Pool, loader Loader, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		pool:   pool,
		loader: loader,
		opts:   opts,
		logger: opts.Logger.Named("environment"),
		envs:   make(map[string]*Environment),
	}
}

// Environment returns the current environment for path, rebuilding it when
// the script's LastModified differs from the one it was built from.
func (m *Manager) Environment(ctx context.Context, path string) (*Environment, error) {
	path, err := utils.CleanObjectPath(path)
	if err != nil {
		return nil, err
	}

	mtime, err := m.loader.ModTime(ctx, path)
	if err != nil {
		if errors.Is(err, objects.ErrNotFound) {
			m.drop(path)
		}
		return nil, err
	}
	if env := m.current(path, mtime); env != nil {
		return env, nil
	}

	v, err, _ := m.group.Do(path, func() (interface{}, error) {
		obj, err := m.loader.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		if env := m.current(path, obj.LastModified); env != nil {
			return env, nil
		}

		fresh := New(m.pool, m.loader, obj, Options{Host: m.opts.Host, Logger: m.logger})

		m.mu.Lock()
		old := m.envs[path]
		m.envs[path] = fresh
		m.mu.Unlock()

		if old != nil {
			m.logger.Info("Script changed, rebuilding environment",
				zap.String("object", path),
				zap.Time("was", old.JavascriptLastModified()),
				zap.Time("now", obj.LastModified),
			)
			m.retire(old)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Environment), nil
}

func (m *Manager) current(path string, mtime time.Time) *Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.envs[path]; ok && env.JavascriptLastModified().Equal(mtime) {
		return env
	}
	return nil
}

// retire closes an outdated environment once in-flight calls on it finish.
func (m *Manager) retire(env *Environment) {
	go func() {
		if err := env.Close(context.Background()); err != nil {
			m.logger.Warn("Failed to close outdated environment", zap.String("object", env.Path()), zap.Error(err))
		}
	}()
}

func (m *Manager) drop(path string) {
	m.mu.Lock()
	env, ok := m.envs[path]
	delete(m.envs, path)
	m.mu.Unlock()
	if ok {
		m.retire(env)
	}
}

// Invalidate forgets the environment for path so the next request rebuilds it.
func (m *Manager) Invalidate(path string) {
	if clean, err := utils.CleanObjectPath(path); err == nil {
		m.drop(clean)
	}
}

// InvalidateAll forgets every environment. Shared libraries are evaluated
// into their dependents at build time, so a library change stales them all.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	envs := m.envs
	m.envs = make(map[string]*Environment)
	m.mu.Unlock()

	for _, env := range envs {
		m.retire(env)
	}
}

// Len returns the number of cached environments.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envs)
}

// Close closes every environment.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	envs := m.envs
	m.envs = make(map[string]*Environment)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, env := range envs {
		g.Go(func() error { return env.Close(gctx) })
	}
	return g.Wait()
}
