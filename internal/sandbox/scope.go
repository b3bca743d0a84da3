package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

// Caller identifies who a scope acts on behalf of.
type Caller struct {
	User string
}

// Library is a script evaluated into an existing scope by Use.
type Library struct {
	Path         string
	Script       ScriptSource
	LastModified time.Time
}

// Resolver looks up other objects for Scope.Open and Scope.Use.
type Resolver interface {
	// ScopeSpec describes an isolated scope for the object at path.
	ScopeSpec(ctx context.Context, caller Caller, path string) (ScopeSpec, error)
	// Library returns the script at path for evaluation into the caller's scope.
	Library(ctx context.Context, caller Caller, path string) (*Library, error)
}

// ErrNoResolver is returned by Open and Use on scopes built without a Resolver.
var ErrNoResolver = errors.New("scope has no resolver")

// Scope is a handle to one guest runtime hosted by a worker. Calls on the
// same scope are serialized.
type Scope struct {
	id       int64
	pool     *Pool
	worker   *Worker
	caller   Caller
	resolver Resolver

	mu        sync.Mutex
	disposed  atomic.Bool
	functions []protocol.FunctionDescriptor
	result    protocol.Value
	libraries map[string]time.Time

	childMu  sync.Mutex
	children map[string]*Scope
}

func newScope(p *Pool, w *Worker, id int64, spec ScopeSpec) *Scope {
	return &Scope{
		id:        id,
		pool:      p,
		worker:    w,
		caller:    spec.Caller,
		resolver:  spec.Resolver,
		libraries: make(map[string]time.Time),
		children:  make(map[string]*Scope),
	}
}

// ID returns the scope id.
func (s *Scope) ID() int64 { return s.id }

// Worker returns the worker hosting the scope.
func (s *Scope) Worker() *Worker { return s.worker }

// Caller returns who the scope acts for.
func (s *Scope) Caller() Caller { return s.caller }

// Result returns the completion value of the scope's initial scripts.
func (s *Scope) Result() protocol.Value { return s.result }

// Functions returns the descriptors reported by the last evaluation that asked for them.
func (s *Scope) Functions() []protocol.FunctionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.functions
}

// Alive reports whether the scope can still accept calls.
func (s *Scope) Alive() bool {
	return !s.disposed.Load() && s.worker.Err() == nil
}

func (s *Scope) usable() error {
	if s.disposed.Load() {
		return ErrScopeDisposed
	}
	if err := s.worker.errFor(s.id); err != nil {
		return fmt.Errorf("%w: %w", ErrScopeDead, err)
	}
	return nil
}

// Call invokes a global function in the scope. Concurrent calls on the same
// scope run one at a time.
func (s *Scope) Call(ctx context.Context, name string, args ...protocol.Value) (protocol.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return protocol.Undefined(), err
	}
	return s.worker.CallFunctionInScope(ctx, s.id, s.pool.GenerateThreadId(), name, args)
}

// EvalScope runs additional scripts in the scope and refreshes its function list.
func (s *Scope) EvalScope(ctx context.Context, scripts ...ScriptSource) (*EvalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.evalScripts(ctx, s.pool.GenerateThreadId(), scripts, nil, nil, true)
}

func (s *Scope) evalScripts(
	ctx context.Context,
	threadID int64,
	scripts []ScriptSource,
	metadata map[string]protocol.Value,
	delegates map[string]DelegateFunc,
	returnFunctions bool,
) (*EvalResult, error) {
	refs := make([]protocol.ScriptRef, len(scripts))
	for i, src := range scripts {
		scriptID, err := s.pool.cache.GetOrCompile(ctx, src.Name, src.digest(), src.Source, s.worker)
		if err != nil {
			return nil, err
		}
		refs[i] = protocol.ScriptRef{ScriptID: scriptID, Name: src.Name}
	}

	result, err := s.worker.EvalScope(ctx, s.id, threadID, metadata, refs, delegates, returnFunctions)
	if err != nil {
		return nil, err
	}
	if returnFunctions {
		s.functions = result.Functions
	}
	return result, nil
}

// wrapDelegates binds each delegate's ParentCall to this scope.
func (s *Scope) wrapDelegates(delegates map[string]DelegateFunc) map[string]DelegateFunc {
	if len(delegates) == 0 {
		return nil
	}
	out := make(map[string]DelegateFunc, len(delegates))
	for name, fn := range delegates {
		out[name] = func(ctx context.Context, call *ParentCall) (protocol.Value, error) {
			call.scope = s
			return fn(ctx, call)
		}
	}
	return out
}

// Open returns an isolated scope for the object at path, built for the same
// caller. Opened scopes are cached per path and disposed with s.
func (s *Scope) Open(ctx context.Context, path string) (*Scope, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.resolver == nil {
		return nil, ErrNoResolver
	}

	s.childMu.Lock()
	defer s.childMu.Unlock()

	if child, ok := s.children[path]; ok {
		if child.Alive() {
			return child, nil
		}
		_ = child.Dispose(ctx)
	}

	spec, err := s.resolver.ScopeSpec(ctx, s.caller, path)
	if err != nil {
		return nil, err
	}
	child, err := s.pool.GenerateScopeWrapper(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.children[path] = child
	return child, nil
}

// Use evaluates the library at path into this scope. It is skipped when the
// library is unchanged since it was last loaded.
func (s *Scope) Use(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.use(ctx, s.pool.GenerateThreadId(), path)
}

// UseNested is Use for a host function running inside a call on this scope,
// which already holds the scope.
func (s *Scope) UseNested(ctx context.Context, call *ParentCall, path string) error {
	return s.use(ctx, call.ThreadID, path)
}

func (s *Scope) use(ctx context.Context, threadID int64, path string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.resolver == nil {
		return ErrNoResolver
	}

	lib, err := s.resolver.Library(ctx, s.caller, path)
	if err != nil {
		return err
	}
	if loaded, ok := s.libraries[path]; ok && loaded.Equal(lib.LastModified) {
		return nil
	}

	if _, err := s.evalScripts(ctx, threadID, []ScriptSource{lib.Script}, nil, nil, true); err != nil {
		return fmt.Errorf("use %s: %w", path, err)
	}
	s.libraries[path] = lib.LastModified
	return nil
}

// Dispose releases the scope and every scope it opened. It is idempotent
// and does nothing beyond bookkeeping once the worker is dead.
func (s *Scope) Dispose(ctx context.Context) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}

	s.childMu.Lock()
	children := s.children
	s.children = make(map[string]*Scope)
	s.childMu.Unlock()

	var errs []error
	for _, child := range children {
		if err := child.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.worker.DisposeScope(ctx, s.id, s.pool.GenerateThreadId()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
