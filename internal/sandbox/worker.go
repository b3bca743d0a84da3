package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
	"github.com/GriffinCanCode/scripthost/internal/shared/id"
)

// noCulprit marks a worker that has not been killed by a timeout.
const noCulprit int64 = -1

// DelegateFunc handles a guest call to a host function registered for a scope.
type DelegateFunc func(ctx context.Context, call *ParentCall) (protocol.Value, error)

// ParentCall is a guest-initiated call into the host.
type ParentCall struct {
	ScopeID  int64
	ThreadID int64
	Name     string
	Args     []protocol.Value

	worker *Worker
	scope  *Scope
}

// Scope returns the scope the call came from, when it was built by a Pool.
func (c *ParentCall) Scope() *Scope { return c.scope }

// Arg returns argument i or Undefined.
func (c *ParentCall) Arg(i int) protocol.Value {
	if i < 0 || i >= len(c.Args) {
		return protocol.Undefined()
	}
	return c.Args[i]
}

// Callback invokes a guest function received as an argument. It runs on the
// same logical thread, inside the guest call that is waiting on this delegate.
func (c *ParentCall) Callback(ctx context.Context, callback protocol.Value, args ...protocol.Value) (protocol.Value, error) {
	cbID, ok := callback.CallbackID()
	if !ok {
		return protocol.Undefined(), fmt.Errorf("%w: argument is not a callback", ErrUnknownFunction)
	}
	return c.worker.CallCallback(ctx, c.ScopeID, c.ThreadID, cbID, args)
}

// EvalResult is the outcome of EvalScope.
type EvalResult struct {
	Result    protocol.Value
	Functions []protocol.FunctionDescriptor
}

// WorkerOptions carries the host-side wiring for a worker.
type WorkerOptions struct {
	Generation uint64
	Logger     *zap.Logger
	Observer   Observer
	// OnDeath runs once, on its own goroutine, after the worker dies.
	OnDeath func(*Worker)
}

// Worker is the host-side handle to one worker process. Requests on
// different scopes are multiplexed over the process's stdio by call id.
type Worker struct {
	id         id.WorkerID
	generation uint64
	cfg        Config
	proc       Process
	out        *protocol.Writer
	logger     *zap.Logger
	observer   Observer
	onDeath    func(*Worker)

	// ctx is handed to delegates and cancelled on death.
	ctx    context.Context
	cancel context.CancelFunc

	nextCall     atomic.Uint64
	nextScript   atomic.Int64
	lastActivity atomic.Int64
	disposing    atomic.Bool
	// culprit is the scope whose call timed out, or noCulprit.
	culprit atomic.Int64

	mu        sync.Mutex
	pending   map[uint64]chan *protocol.Message
	delegates map[int64]map[string]DelegateFunc
	scopes    map[int64]struct{}
	hosted    int
	retired   bool

	dead      chan struct{}
	deathErr  error
	deathOnce sync.Once
}

// StartWorker spawns a worker process through sup.
func StartWorker(ctx context.Context, sup ProcessSupervisor, cfg Config, opts WorkerOptions) (*Worker, error) {
	cfg = cfg.withDefaults()

	proc, err := sup.Spawn(ctx)
	if err != nil {
		return nil, err
	}

	wid := id.NewWorkerID()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	wctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:         wid,
		generation: opts.Generation,
		cfg:        cfg,
		proc:       proc,
		out:        protocol.NewWriter(proc.Stdin(), 0),
		logger: logger.With(
			zap.String("worker_id", wid.String()),
			zap.Uint64("generation", opts.Generation),
			zap.Int("pid", proc.Pid()),
		),
		observer:  observer,
		onDeath:   opts.OnDeath,
		ctx:       wctx,
		cancel:    cancel,
		pending:   make(map[uint64]chan *protocol.Message),
		delegates: make(map[int64]map[string]DelegateFunc),
		scopes:    make(map[int64]struct{}),
		dead:      make(chan struct{}),
	}
	w.culprit.Store(noCulprit)
	w.touch()

	go w.readLoop()
	go w.drainStderr()
	go func() {
		err := proc.Wait()
		if w.disposing.Load() {
			w.die(ErrWorkerClosed, nil)
			return
		}
		w.die(ErrCrash, err)
	}()

	observer.WorkerSpawned()
	w.logger.Info("Worker started")
	return w, nil
}

// ID returns the worker's identifier.
func (w *Worker) ID() id.WorkerID { return w.id }

// Generation returns the pool generation this worker belongs to.
func (w *Worker) Generation() uint64 { return w.generation }

// Alive reports whether the worker can still serve requests.
func (w *Worker) Alive() bool {
	return w.Err() == nil && w.proc.Alive()
}

// Err returns the sticky death cause, or nil while alive.
func (w *Worker) Err() error {
	select {
	case <-w.dead:
		return w.deathErr
	default:
		return nil
	}
}

// Done is closed when the worker dies.
func (w *Worker) Done() <-chan struct{} { return w.dead }

// LastActivity returns the time of the last request or reply.
func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load())
}

// Scopes returns the number of live scopes hosted by this worker.
func (w *Worker) Scopes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.scopes)
}

// Retired reports whether the worker stopped accepting new scopes.
func (w *Worker) Retired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retired
}

// NextScriptID allocates a script id valid for this worker.
func (w *Worker) NextScriptID() int64 {
	return w.nextScript.Add(1)
}

func (w *Worker) touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// reserve records scopeID as hosted here for a new scope. It fails once the
// worker is dead, disposing or retired.
func (w *Worker) reserve(scopeID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Err() != nil || w.disposing.Load() || w.retired {
		return false
	}
	w.adoptLocked(scopeID)
	return true
}

func (w *Worker) adoptLocked(scopeID int64) {
	if _, ok := w.scopes[scopeID]; ok {
		return
	}
	w.scopes[scopeID] = struct{}{}
	w.hosted++
	w.observer.ScopeOpened()
	if w.cfg.RecycleAfter > 0 && w.hosted >= w.cfg.RecycleAfter {
		w.retired = true
	}
}

// Compile compiles source in the worker under scriptID and returns an opaque
// blob accepted by LoadCompiled.
func (w *Worker) Compile(ctx context.Context, threadID int64, name, source string, scriptID int64) ([]byte, error) {
	reply, err := w.request(ctx, protocol.OpCompile, 0, threadID,
		protocol.CompileRequest{ScriptID: scriptID, Name: name, Source: source}, w.cfg.CompileTimeout)
	if err != nil {
		return nil, err
	}
	var resp protocol.CompileResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return resp.Blob, nil
}

// LoadCompiled installs a blob from a previous Compile under scriptID.
func (w *Worker) LoadCompiled(ctx context.Context, threadID int64, name string, blob []byte, scriptID int64) error {
	_, err := w.request(ctx, protocol.OpLoadCompiled, 0, threadID,
		protocol.LoadCompiledRequest{ScriptID: scriptID, Name: name, Blob: blob}, w.cfg.CompileTimeout)
	return err
}

// EvalScope creates or extends a scope: metadata become globals, each entry
// of functionsToAdd becomes a callable host function, then scripts run in order.
func (w *Worker) EvalScope(
	ctx context.Context,
	scopeID, threadID int64,
	metadata map[string]protocol.Value,
	scripts []protocol.ScriptRef,
	functionsToAdd map[string]DelegateFunc,
	returnFunctions bool,
) (*EvalResult, error) {
	w.mu.Lock()
	w.adoptLocked(scopeID)
	names := make([]string, 0, len(functionsToAdd))
	for name, fn := range functionsToAdd {
		w.registerLocked(scopeID, name, fn)
		names = append(names, name)
	}
	w.mu.Unlock()
	sort.Strings(names)

	reply, err := w.request(ctx, protocol.OpEval, scopeID, threadID, protocol.EvalRequest{
		Metadata:        metadata,
		Scripts:         scripts,
		FunctionsToAdd:  names,
		ReturnFunctions: returnFunctions,
	}, w.cfg.ExecuteTimeout)
	if err != nil {
		return nil, err
	}

	var resp protocol.EvalResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &EvalResult{Result: resp.Result, Functions: resp.Functions}, nil
}

// CallFunctionInScope calls a global function. The result may be Undefined.
func (w *Worker) CallFunctionInScope(ctx context.Context, scopeID, threadID int64, name string, args []protocol.Value) (protocol.Value, error) {
	reply, err := w.request(ctx, protocol.OpCall, scopeID, threadID,
		protocol.CallRequest{Name: name, Args: args}, w.cfg.ExecuteTimeout)
	return resultOf(reply, err)
}

// CallCallback invokes a guest function previously handed to the host.
func (w *Worker) CallCallback(ctx context.Context, scopeID, threadID, callbackID int64, args []protocol.Value) (protocol.Value, error) {
	reply, err := w.request(ctx, protocol.OpCallCallback, scopeID, threadID,
		protocol.CallbackRequest{CallbackID: callbackID, Args: args}, w.cfg.ExecuteTimeout)
	return resultOf(reply, err)
}

func resultOf(reply *protocol.Message, err error) (protocol.Value, error) {
	if err != nil {
		return protocol.Undefined(), err
	}
	var resp protocol.ResultResponse
	if err := reply.Decode(&resp); err != nil {
		return protocol.Undefined(), fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return resp.Value, nil
}

// RegisterParentFunctionDelegate allow-lists name for scopeID and routes
// guest calls to it through handler.
func (w *Worker) RegisterParentFunctionDelegate(ctx context.Context, scopeID int64, name string, handler DelegateFunc) error {
	w.mu.Lock()
	w.adoptLocked(scopeID)
	w.registerLocked(scopeID, name, handler)
	w.mu.Unlock()

	_, err := w.request(ctx, protocol.OpRegisterDelegate, scopeID, 0,
		protocol.RegisterDelegateRequest{Name: name}, w.cfg.ExecuteTimeout)
	return err
}

func (w *Worker) registerLocked(scopeID int64, name string, fn DelegateFunc) {
	fns, ok := w.delegates[scopeID]
	if !ok {
		fns = make(map[string]DelegateFunc)
		w.delegates[scopeID] = fns
	}
	fns[name] = fn
}

// DisposeScope releases a scope. It is idempotent and a no-op once the worker is dead.
func (w *Worker) DisposeScope(ctx context.Context, scopeID, threadID int64) error {
	w.mu.Lock()
	_, owned := w.scopes[scopeID]
	delete(w.scopes, scopeID)
	delete(w.delegates, scopeID)
	drained := w.retired && len(w.scopes) == 0
	w.mu.Unlock()

	if owned {
		w.observer.ScopeClosed()
	}
	if w.Err() != nil {
		return nil
	}

	var err error
	if owned {
		_, err = w.request(ctx, protocol.OpDisposeScope, scopeID, threadID, nil, w.cfg.ExecuteTimeout)
		if IsTransient(err) {
			err = nil
		}
	}
	if drained {
		w.logger.Info("Retired worker drained")
		go w.Dispose()
	}
	return err
}

// Retire stops the worker from accepting new scopes. It is disposed once
// its remaining scopes are gone.
func (w *Worker) Retire() {
	w.mu.Lock()
	w.retired = true
	drained := len(w.scopes) == 0
	w.mu.Unlock()

	if drained {
		go w.Dispose()
	}
}

// Dispose shuts the worker down, killing it after the shutdown grace period.
func (w *Worker) Dispose() {
	if !w.disposing.CompareAndSwap(false, true) {
		<-w.dead
		return
	}

	if w.Err() == nil {
		if msg, err := protocol.NewMessage(protocol.OpShutdown, 0, 0, 0, nil); err == nil {
			_ = w.out.Write(msg)
		}
		_ = w.proc.Stdin().Close()

		timer := time.NewTimer(w.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-w.dead:
		case <-timer.C:
		}
	}
	w.die(ErrWorkerClosed, nil)
}

func (w *Worker) request(ctx context.Context, op protocol.Op, scopeID, threadID int64, payload any, timeout time.Duration) (*protocol.Message, error) {
	start := time.Now()
	reply, err := w.roundTrip(ctx, op, scopeID, threadID, payload, timeout)
	w.observer.CallCompleted(string(op), time.Since(start), err)
	return reply, err
}

func (w *Worker) roundTrip(ctx context.Context, op protocol.Op, scopeID, threadID int64, payload any, timeout time.Duration) (*protocol.Message, error) {
	if err := w.Err(); err != nil {
		return nil, w.errFor(scopeID)
	}

	call := w.nextCall.Add(1)
	msg, err := protocol.NewMessage(op, call, scopeID, threadID, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Message, 1)
	w.mu.Lock()
	w.pending[call] = ch
	w.mu.Unlock()

	w.touch()
	if err := w.out.Write(msg); err != nil {
		w.forget(call)
		w.die(ErrCrash, err)
		return nil, w.Err()
	}

	timer := time.NewTimer(timeout)

	select {
	case reply := <-ch:
		timer.Stop()
		return w.settle(reply)
	case <-w.dead:
		timer.Stop()
		w.forget(call)
		select {
		case reply := <-ch:
			return w.settle(reply)
		default:
		}
		return nil, w.errFor(scopeID)
	case <-timer.C:
		w.forget(call)
		w.expire(op, scopeID, timeout)
		if err := w.Err(); !errors.Is(err, ErrTimeout) {
			return nil, err
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		// The caller is gone but the call still owns its deadline.
		go w.watchAbandoned(call, ch, timer, op, scopeID, timeout)
		return nil, ctx.Err()
	}
}

// watchAbandoned waits out a call whose caller stopped waiting. The reply is
// dropped; a call that outlives its timeout still kills the worker.
func (w *Worker) watchAbandoned(call uint64, ch <-chan *protocol.Message, timer *time.Timer, op protocol.Op, scopeID int64, timeout time.Duration) {
	defer timer.Stop()
	defer w.forget(call)

	select {
	case <-ch:
		w.touch()
	case <-w.dead:
	case <-timer.C:
		w.expire(op, scopeID, timeout)
	}
}

// expire kills the worker for a call on scopeID that ran past timeout.
func (w *Worker) expire(op protocol.Op, scopeID int64, timeout time.Duration) {
	w.logger.Warn("Call exceeded timeout, killing worker",
		zap.String("op", string(op)),
		zap.Int64("scope_id", scopeID),
		zap.Duration("timeout", timeout),
	)
	w.culprit.CompareAndSwap(noCulprit, scopeID)
	w.die(ErrTimeout, fmt.Errorf("%s exceeded %s", op, timeout))
}

// errFor is the death error seen by a call on scopeID. Scopes killed along
// with another scope's overrunning call get ErrCollateral.
func (w *Worker) errFor(scopeID int64) error {
	err := w.Err()
	if err == ErrTimeout && w.culprit.Load() != scopeID {
		return fmt.Errorf("%w: %w", ErrCollateral, ErrTimeout)
	}
	return err
}

func (w *Worker) settle(reply *protocol.Message) (*protocol.Message, error) {
	w.touch()
	if reply.Error != nil {
		return reply, fromWire(reply.Error)
	}
	return reply, nil
}

func (w *Worker) forget(call uint64) {
	w.mu.Lock()
	delete(w.pending, call)
	w.mu.Unlock()
}

func (w *Worker) readLoop() {
	in := protocol.NewReader(w.proc.Stdout())
	for {
		msg, err := in.Read()
		if err != nil {
			if w.disposing.Load() {
				w.die(ErrWorkerClosed, nil)
			} else {
				w.die(ErrCrash, err)
			}
			return
		}

		switch msg.Op {
		case protocol.OpReply:
			w.mu.Lock()
			ch := w.pending[msg.Call]
			delete(w.pending, msg.Call)
			w.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case protocol.OpCallParent:
			go w.serveParent(msg)
		default:
			w.logger.Warn("Unexpected frame from worker", zap.String("op", string(msg.Op)))
		}
	}
}

func (w *Worker) serveParent(msg *protocol.Message) {
	var req protocol.ParentCallRequest
	if err := msg.Decode(&req); err != nil {
		w.replyParent(msg, protocol.Undefined(), protocol.Errorf(protocol.KindProtocol, "%v", err))
		return
	}

	w.mu.Lock()
	fn := w.delegates[msg.Scope][req.Name]
	w.mu.Unlock()

	if fn == nil {
		w.logger.Warn("Rejected host call", zap.Int64("scope_id", msg.Scope), zap.String("function", req.Name))
		w.replyParent(msg, protocol.Undefined(),
			protocol.Errorf(protocol.KindDisallowedHostCall, "host function %q is not registered for scope %d", req.Name, msg.Scope))
		return
	}

	value, err := w.runDelegate(fn, &ParentCall{
		ScopeID:  msg.Scope,
		ThreadID: msg.Thread,
		Name:     req.Name,
		Args:     req.Args,
		worker:   w,
	})
	if err != nil {
		w.replyParent(msg, protocol.Undefined(), toWire(err))
		return
	}
	w.replyParent(msg, value, nil)
}

func (w *Worker) runDelegate(fn DelegateFunc, call *ParentCall) (value protocol.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Host function panicked", zap.String("function", call.Name), zap.Any("panic", r))
			err = fmt.Errorf("host function %s panicked: %v", call.Name, r)
		}
	}()
	return fn(w.ctx, call)
}

func (w *Worker) replyParent(req *protocol.Message, value protocol.Value, replyErr *protocol.Error) {
	if w.Err() != nil {
		return
	}
	msg, err := protocol.Reply(req, protocol.ResultResponse{Value: value}, replyErr)
	if err != nil {
		msg, _ = protocol.Reply(req, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
	}
	if err := w.out.Write(msg); err != nil {
		w.die(ErrCrash, err)
	}
}

func (w *Worker) drainStderr() {
	scanner := bufio.NewScanner(w.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		w.relayLog(scanner.Bytes())
	}
}

// relayLog re-emits a worker's JSON log line at its original level. Anything
// else the process writes to stderr is logged verbatim.
func (w *Worker) relayLog(line []byte) {
	var entry map[string]interface{}
	if err := sonic.Unmarshal(line, &entry); err != nil {
		w.logger.Info("Worker output", zap.ByteString("line", line))
		return
	}

	msg, _ := entry["message"].(string)
	levelName, _ := entry["level"].(string)
	delete(entry, "message")
	delete(entry, "level")
	delete(entry, "timestamp")
	delete(entry, "pid")

	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if ce := w.logger.Check(level, "Worker: "+msg); ce != nil {
		fields := make([]zap.Field, 0, len(entry))
		for k, v := range entry {
			fields = append(fields, zap.Any(k, v))
		}
		ce.Write(fields...)
	}
}

// die records the first death cause, kills the process and fails every
// outstanding call.
func (w *Worker) die(cause error, detail error) {
	w.deathOnce.Do(func() {
		w.deathErr = cause
		close(w.dead)
		w.cancel()
		_ = w.proc.Kill()

		w.mu.Lock()
		scopes := len(w.scopes)
		w.mu.Unlock()

		fields := []zap.Field{zap.String("reason", deathReason(cause)), zap.Int("scopes", scopes)}
		if detail != nil {
			fields = append(fields, zap.NamedError("detail", detail))
		}
		if cause == ErrWorkerClosed {
			w.logger.Info("Worker stopped", fields...)
		} else {
			w.logger.Warn("Worker died", fields...)
		}

		w.observer.WorkerDied(deathReason(cause))
		if w.onDeath != nil {
			go w.onDeath(w)
		}
	})
}
