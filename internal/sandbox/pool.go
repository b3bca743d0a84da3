package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/scripthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

// PoolOptions carries the collaborators of a Pool.
type PoolOptions struct {
	Supervisor ProcessSupervisor
	Logger     *zap.Logger
	Observer   Observer
}

// ScriptSource is one script to evaluate into a scope. An empty Digest is
// computed from Source.
type ScriptSource struct {
	Name   string
	Digest string
	Source string
}

func (s ScriptSource) digest() string {
	if s.Digest != "" {
		return s.Digest
	}
	return utils.DefaultHasher().HashString(s.Source)
}

// ScopeSpec describes a scope to build with GenerateScopeWrapper.
type ScopeSpec struct {
	Caller          Caller
	Scripts         []ScriptSource
	Metadata        map[string]protocol.Value
	Delegates       map[string]DelegateFunc
	ReturnFunctions bool
	// Resolver serves Scope.Open and Scope.Use; nil disables both.
	Resolver Resolver
}

// Pool manages a fixed number of worker slots handed out round-robin.
// Dead and retired workers are replaced on acquisition.
type Pool struct {
	cfg      Config
	sup      ProcessSupervisor
	cache    *ScriptCache
	breaker  *resilience.Breaker
	logger   *zap.Logger
	observer Observer

	mu        sync.RWMutex
	slots     []*Worker
	slotLocks []sync.Mutex
	next      int
	closed    bool

	// workers tracks every live worker, including retired ones no longer in a slot.
	workers map[*Worker]struct{}

	generation atomic.Uint64
	scopeSeq   atomic.Int64
	threadSeq  atomic.Int64
}

// NewPool creates a pool. Workers are spawned lazily unless Warm is called.
func NewPool(cfg Config, opts PoolOptions) *Pool {
	cfg = cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	sup := opts.Supervisor
	if sup == nil {
		sup = NewExecSupervisor(cfg)
	}

	p := &Pool{
		cfg:       cfg,
		sup:       sup,
		cache:     NewScriptCache(cfg.ShareCompiled, logger.Named("cache"), observer),
		logger:    logger,
		observer:  observer,
		slots:     make([]*Worker, cfg.PoolSize),
		slotLocks: make([]sync.Mutex, cfg.PoolSize),
		workers:   make(map[*Worker]struct{}),
	}
	p.breaker = resilience.New("provision", resilience.Settings{
		Threshold: cfg.ProvisionFailures,
		Cooldown:  cfg.ProvisionCooldown,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Provisioning breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p
}

// Cache returns the pool's compiled script cache.
func (p *Pool) Cache() *ScriptCache { return p.cache }

// Warm fills every empty slot concurrently.
func (p *Pool) Warm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for slot := range p.slots {
		g.Go(func() error {
			_, err := p.ensureSlot(gctx, slot, func(w *Worker) bool { return w.Alive() })
			return err
		})
	}
	return g.Wait()
}

// GenerateScopeId returns a process-wide unique scope id.
func (p *Pool) GenerateScopeId() int64 {
	return p.scopeSeq.Add(1)
}

// GenerateThreadId returns a fresh logical thread id.
func (p *Pool) GenerateThreadId() int64 {
	return p.threadSeq.Add(1)
}

// AcquireWorker returns the next live worker in round-robin order,
// replacing a dead or retired one in that slot.
func (p *Pool) AcquireWorker(ctx context.Context) (*Worker, error) {
	slot, err := p.nextSlot()
	if err != nil {
		return nil, err
	}
	return p.ensureSlot(ctx, slot, func(w *Worker) bool { return w.Alive() && !w.Retired() })
}

// acquireFor picks a worker and reserves scopeID on it.
func (p *Pool) acquireFor(ctx context.Context, scopeID int64) (*Worker, error) {
	slot, err := p.nextSlot()
	if err != nil {
		return nil, err
	}
	return p.ensureSlot(ctx, slot, func(w *Worker) bool { return w.reserve(scopeID) })
}

func (p *Pool) nextSlot() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPoolClosed
	}
	slot := p.next
	p.next = (p.next + 1) % len(p.slots)
	return slot, nil
}

// ensureSlot returns the slot's worker if accept takes it, otherwise spawns
// a replacement and offers it to accept.
func (p *Pool) ensureSlot(ctx context.Context, slot int, accept func(*Worker) bool) (*Worker, error) {
	p.mu.RLock()
	w := p.slots[slot]
	p.mu.RUnlock()
	if w != nil && accept(w) {
		return w, nil
	}

	p.slotLocks[slot].Lock()
	defer p.slotLocks[slot].Unlock()

	p.mu.RLock()
	w, closed := p.slots[slot], p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if w != nil && accept(w) {
		return w, nil
	}

	fresh, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fresh.Dispose()
		return nil, ErrPoolClosed
	}
	p.slots[slot] = fresh
	p.workers[fresh] = struct{}{}
	p.mu.Unlock()

	if w != nil {
		p.logger.Info("Replaced worker",
			zap.Int("slot", slot),
			zap.String("old_worker", w.ID().String()),
			zap.String("new_worker", fresh.ID().String()),
			zap.Bool("retired", w.Retired()),
		)
	}

	if !accept(fresh) {
		return nil, fmt.Errorf("%w: fresh worker rejected", ErrProvisioning)
	}
	return fresh, nil
}

func (p *Pool) spawn(ctx context.Context) (*Worker, error) {
	gen := p.generation.Add(1)

	w, err := resilience.Do(p.breaker, func() (*Worker, error) {
		return StartWorker(ctx, p.sup, p.cfg, WorkerOptions{
			Generation: gen,
			Logger:     p.logger.Named("worker"),
			Observer:   p.observer,
			OnDeath:    p.onWorkerDeath,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		p.observer.ProvisioningFailed()
		p.logger.Error("Failed to provision worker", zap.Uint64("generation", gen), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	return w, nil
}

func (p *Pool) onWorkerDeath(w *Worker) {
	p.cache.Invalidate(w.Generation())

	p.mu.Lock()
	delete(p.workers, w)
	p.mu.Unlock()
}

// GenerateScopeWrapper builds a scope from spec on a pooled worker. A
// transient failure is retried once on a fresh worker.
func (p *Pool) GenerateScopeWrapper(ctx context.Context, spec ScopeSpec) (*Scope, error) {
	scope, err := p.buildScope(ctx, spec)
	if err != nil && IsTransient(err) {
		p.logger.Warn("Scope creation failed on dying worker, retrying", zap.Error(err))
		scope, err = p.buildScope(ctx, spec)
	}
	return scope, err
}

func (p *Pool) buildScope(ctx context.Context, spec ScopeSpec) (*Scope, error) {
	scopeID := p.GenerateScopeId()
	threadID := p.GenerateThreadId()

	w, err := p.acquireFor(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	s := newScope(p, w, scopeID, spec)
	result, err := s.evalScripts(ctx, threadID, spec.Scripts, spec.Metadata, s.wrapDelegates(spec.Delegates), spec.ReturnFunctions)
	if err != nil {
		_ = w.DisposeScope(context.WithoutCancel(ctx), scopeID, threadID)
		return nil, err
	}
	s.result = result.Result
	return s, nil
}

// Stats returns pool statistics
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	alive, retired, scopes := 0, 0, 0
	for w := range p.workers {
		if w.Alive() {
			alive++
		}
		if w.Retired() {
			retired++
		}
		scopes += w.Scopes()
	}

	return map[string]interface{}{
		"size":           len(p.slots),
		"workers":        len(p.workers),
		"alive":          alive,
		"retired":        retired,
		"scopes":         scopes,
		"generation":     p.generation.Load(),
		"cached_scripts": p.cache.Len(),
		"provisioning":   p.breaker.State().String(),
		"breaker":        p.breaker.Snapshot(),
		"closed":         p.closed,
	}
}

// Close kills every worker. Scopes on them become dead.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for w := range p.workers {
		workers = append(workers, w)
	}
	for i := range p.slots {
		p.slots[i] = nil
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			w.Dispose()
			return nil
		})
	}
	return g.Wait()
}
