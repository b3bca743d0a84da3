package environment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/scripthost/internal/objects"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

// ErrClosed is returned by an environment after Close.
var ErrClosed = errors.New("execution environment closed")

// wrapperObject is the client-side object generated wrapper lines assign to.
const wrapperObject = "objectWrapper"

// Loader reads object scripts.
type Loader interface {
	Load(ctx context.Context, path string) (*objects.Object, error)
	ModTime(ctx context.Context, path string) (time.Time, error)
}

// Options configures execution environments.
type Options struct {
	// Host is exposed to scripts as hostMetadata.host.
	Host   string
	Logger *zap.Logger
}

// userScope is one user's scope over the object with its web-callable functions.
type userScope struct {
	scope     *sandbox.Scope
	functions map[string]*Function
	names     []string
}

// Environment hosts one version of an object's script. Scopes are built
// lazily, one per user, and a failure to build one is kept as data in
// ExecutionEnvironmentErrors instead of failing the host.
type Environment struct {
	pool   *sandbox.Pool
	loader Loader
	object *objects.Object
	header parsedScript
	opts   Options
	logger *zap.Logger

	group  singleflight.Group
	mu     sync.Mutex
	scopes map[string]*userScope
	closed bool

	errMu sync.RWMutex
	errs  string
}

// New creates the environment for obj. No worker is touched until the
// first request.
func New(pool *sandbox.Pool, loader Loader, obj *objects.Object, opts Options) *Environment {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Environment{
		pool:   pool,
		loader: loader,
		object: obj,
		header: parseScript(obj.Source),
		opts:   opts,
		logger: logger.With(zap.String("object", obj.Path)),
		scopes: make(map[string]*userScope),
	}
}

// Path returns the object's path.
func (e *Environment) Path() string { return e.object.Path }

// JavascriptLastModified returns the modification time of the script this
// environment was built from.
func (e *Environment) JavascriptLastModified() time.Time { return e.object.LastModified }

// Annotations returns the script's "// @name: value" header.
func (e *Environment) Annotations() map[string]string { return e.header.Annotations }

// ExecutionEnvironmentErrors returns the last error building a scope, or ""
// when the script built cleanly.
func (e *Environment) ExecutionEnvironmentErrors() string {
	e.errMu.RLock()
	defer e.errMu.RUnlock()
	return e.errs
}

func (e *Environment) setErrors(msg string) {
	e.errMu.Lock()
	e.errs = msg
	e.errMu.Unlock()
}

// GetMethod resolves the function named by the request's Method argument.
// It reports false when the request names no web-callable function, including
// when the script is broken.
func (e *Environment) GetMethod(ctx context.Context, req *Request) (Dispatcher, bool) {
	name := req.Method()
	if name == "" {
		return nil, false
	}

	us, err := e.scopeFor(ctx, req.User)
	if err != nil {
		e.logger.Warn("Cannot resolve method", zap.String("method", name), zap.Error(err))
		return nil, false
	}
	fn, ok := us.functions[name]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, req *Request) (*Response, error) {
		res, err := fn.dispatch(ctx, us.scope, req)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return res, err
		}

		e.logger.Info("Worker died under call, retrying on a fresh scope",
			zap.String("method", name),
			zap.String("user", req.User),
			zap.String("kind", sandbox.Classify(err)),
		)
		fresh, rerr := e.scopeFor(ctx, req.User)
		if rerr != nil {
			return nil, err
		}
		retry, ok := fresh.functions[name]
		if !ok {
			return nil, err
		}
		return retry.dispatch(ctx, fresh.scope, req)
	}, true
}

// retryable reports whether a call failed only because its worker died
// under it. A call that overran its own budget is not rerun.
func retryable(err error) bool {
	return errors.Is(err, sandbox.ErrCollateral) || errors.Is(err, sandbox.ErrCrash)
}

// GenerateJavascriptWrapper returns one client line per web-callable
// function, in name order.
func (e *Environment) GenerateJavascriptWrapper(ctx context.Context, req *Request) ([]string, error) {
	us, err := e.scopeFor(ctx, req.User)
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(us.names))
	for _, name := range us.names {
		entry, err := sonic.ConfigStd.MarshalToString(us.functions[name].wrapperEntry())
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("%s.%s = %s.bind(%q, %s);", wrapperObject, name, wrapperObject, name, entry))
	}
	return lines, nil
}

// Functions returns the web-callable functions visible to user.
func (e *Environment) Functions(ctx context.Context, user string) ([]*Function, error) {
	us, err := e.scopeFor(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make([]*Function, len(us.names))
	for i, name := range us.names {
		out[i] = us.functions[name]
	}
	return out, nil
}

func (e *Environment) scopeFor(ctx context.Context, user string) (*userScope, error) {
	if us, err := e.cached(user); us != nil || err != nil {
		return us, err
	}

	v, err, _ := e.group.Do(user, func() (interface{}, error) {
		if us, err := e.cached(user); us != nil || err != nil {
			return us, err
		}

		us, err := e.buildUserScope(ctx, sandbox.Caller{User: user})
		if err != nil {
			if ctx.Err() == nil {
				e.setErrors(err.Error())
			}
			return nil, err
		}
		e.setErrors("")

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = us.scope.Dispose(context.WithoutCancel(ctx))
			return nil, ErrClosed
		}
		old := e.scopes[user]
		e.scopes[user] = us
		e.mu.Unlock()

		if old != nil {
			_ = old.scope.Dispose(context.WithoutCancel(ctx))
		}
		return us, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*userScope), nil
}

// cached returns the user's scope if it is still alive.
func (e *Environment) cached(user string) (*userScope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if us, ok := e.scopes[user]; ok && us.scope.Alive() {
		return us, nil
	}
	return nil, nil
}

func (e *Environment) buildUserScope(ctx context.Context, caller sandbox.Caller) (*userScope, error) {
	spec, err := e.specFor(ctx, caller, e.object)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	scope, err := e.pool.GenerateScopeWrapper(ctx, spec)
	if err != nil {
		return nil, err
	}

	us := &userScope{scope: scope, functions: make(map[string]*Function)}
	for _, desc := range scope.Functions() {
		if fn, ok := newFunction(desc); ok {
			us.functions[fn.Name] = fn
			us.names = append(us.names, fn.Name)
		}
	}
	sort.Strings(us.names)

	e.logger.Debug("Built scope",
		zap.String("user", caller.User),
		zap.Int64("scope_id", scope.ID()),
		zap.Int("web_callable", len(us.names)),
		zap.Duration("duration", time.Since(start)),
	)
	return us, nil
}

// specFor describes a scope over obj: its "// Scripts:" dependencies, then
// the object script itself, with metadata and host functions.
func (e *Environment) specFor(ctx context.Context, caller sandbox.Caller, obj *objects.Object) (sandbox.ScopeSpec, error) {
	header := e.header
	if obj != e.object {
		header = parseScript(obj.Source)
	}

	scripts := make([]sandbox.ScriptSource, 0, len(header.Dependencies)+1)
	for _, dep := range header.Dependencies {
		lib, err := e.loader.Load(ctx, dep)
		if err != nil {
			return sandbox.ScopeSpec{}, fmt.Errorf("load script %s for %s: %w", dep, obj.Path, err)
		}
		scripts = append(scripts, sandbox.ScriptSource{Name: lib.Path, Digest: lib.Digest, Source: lib.Source})
	}
	scripts = append(scripts, sandbox.ScriptSource{Name: obj.Path, Digest: obj.Digest, Source: obj.Source})

	return sandbox.ScopeSpec{
		Caller:  caller,
		Scripts: scripts,
		Metadata: map[string]protocol.Value{
			"fileMetadata": protocol.Map(map[string]protocol.Value{
				"filename":     protocol.String(obj.Filename()),
				"fullpath":     protocol.String(obj.Path),
				"lastModified": protocol.MustFromGo(obj.LastModified),
			}),
			"userMetadata": protocol.Map(map[string]protocol.Value{
				"name": protocol.String(caller.User),
			}),
			"hostMetadata": protocol.Map(map[string]protocol.Value{
				"host": protocol.String(e.opts.Host),
			}),
		},
		Delegates:       e.delegates(),
		ReturnFunctions: true,
		Resolver:        e,
	}, nil
}

// ScopeSpec builds the spec for another object opened from a guest.
func (e *Environment) ScopeSpec(ctx context.Context, caller sandbox.Caller, path string) (sandbox.ScopeSpec, error) {
	obj, err := e.loader.Load(ctx, path)
	if err != nil {
		return sandbox.ScopeSpec{}, err
	}
	return e.specFor(ctx, caller, obj)
}

// Library loads a script for use().
func (e *Environment) Library(ctx context.Context, _ sandbox.Caller, path string) (*sandbox.Library, error) {
	obj, err := e.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return &sandbox.Library{
		Path:         obj.Path,
		Script:       sandbox.ScriptSource{Name: obj.Path, Digest: obj.Digest, Source: obj.Source},
		LastModified: obj.LastModified,
	}, nil
}

// delegates are the host functions every object script can call.
func (e *Environment) delegates() map[string]sandbox.DelegateFunc {
	return map[string]sandbox.DelegateFunc{
		// use(path) evaluates a shared script into the caller's scope.
		"use": func(ctx context.Context, call *sandbox.ParentCall) (protocol.Value, error) {
			path := call.Arg(0)
			if path.Kind() != protocol.KindString {
				return protocol.Undefined(), errors.New("use expects a path")
			}
			return protocol.Undefined(), call.Scope().UseNested(ctx, call, path.Str())
		},
		// callObject(path, fn, ...args) calls a web-callable function on another object.
		"callObject": func(ctx context.Context, call *sandbox.ParentCall) (protocol.Value, error) {
			path, fn := call.Arg(0), call.Arg(1)
			if path.Kind() != protocol.KindString || fn.Kind() != protocol.KindString {
				return protocol.Undefined(), errors.New("callObject expects a path and a function name")
			}
			child, err := call.Scope().Open(ctx, path.Str())
			if err != nil {
				return protocol.Undefined(), err
			}
			if !isWebCallable(child, fn.Str()) {
				return protocol.Undefined(), fmt.Errorf("%s has no callable function %s", path.Str(), fn.Str())
			}
			var args []protocol.Value
			for _, arg := range call.Args[min(2, len(call.Args)):] {
				// Callback ids only mean something in the scope that issued them.
				args = append(args, arg.WithoutCallbacks())
			}
			return child.Call(ctx, fn.Str(), args...)
		},
	}
}

func isWebCallable(scope *sandbox.Scope, name string) bool {
	for _, desc := range scope.Functions() {
		if desc.Name == name {
			_, ok := newFunction(desc)
			return ok
		}
	}
	return false
}

// Close disposes every user's scope.
func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	scopes := e.scopes
	e.scopes = nil
	e.mu.Unlock()

	var errs []error
	for _, us := range scopes {
		if err := us.scope.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
