package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

// callHostName is the global every scope gets for reaching host functions by name.
const callHostName = "callHost"

var errScopeStopped = errors.New("scope stopped")

// hostRefusal is thrown into the guest when a host function is not allowed.
type hostRefusal struct {
	name string
}

func (e *hostRefusal) Error() string {
	return fmt.Sprintf("host function %q is not allowed", e.name)
}

// scope is one isolated guest runtime. All access to vm happens on the
// goroutine running run.
type scope struct {
	id     int64
	srv    *Server
	vm     *goja.Runtime
	logger *zap.Logger

	inbox chan *protocol.Message
	stop  chan struct{}
	done  chan struct{}

	disposed  bool
	thread    int64
	delegates map[string]bool
	// hidden holds globals installed by the engine, never reported as guest functions.
	hidden map[string]bool
	// depth counts requests being handled, including ones nested in callHost.
	depth int

	callbacks    map[int64]goja.Value
	callbackIDs  map[*goja.Object]int64
	nextCallback int64
}

func newScope(srv *Server, id int64) *scope {
	s := &scope{
		id:        id,
		srv:       srv,
		vm:        goja.New(),
		logger:    srv.logger.With(zap.Int64("scope_id", id)),
		inbox:     make(chan *protocol.Message, inboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		delegates: make(map[string]bool),
		hidden:    make(map[string]bool),
		callbacks:   make(map[int64]goja.Value),
		callbackIDs: make(map[*goja.Object]int64),
	}
	s.setupGlobals()
	return s
}

// setupGlobals removes ambient capabilities and installs console and callHost.
func (s *scope) setupGlobals() {
	for _, name := range []string{"require", "process", "module", "exports"} {
		s.vm.Set(name, goja.Undefined())
	}

	console := s.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		console.Set(level, s.consoleFunc(level))
	}
	s.setHidden("console", console)

	// Timers are inert; scripts run to completion within a single call.
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	s.setHidden("setTimeout", noop)
	s.setHidden("setInterval", noop)

	s.setHidden(callHostName, func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(s.vm.NewTypeError("callHost requires a function name"))
		}
		return s.callHost(call.Arguments[0].String(), call.Arguments[1:])
	})
}

func (s *scope) setHidden(name string, value any) {
	s.vm.Set(name, value)
	s.hidden[name] = true
}

func (s *scope) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		switch level {
		case "warn":
			s.logger.Warn("console", zap.String("message", msg))
		case "error":
			s.logger.Error("console", zap.String("message", msg))
		default:
			s.logger.Info("console", zap.String("level", level), zap.String("message", msg))
		}
		return goja.Undefined()
	}
}

func (s *scope) run() {
	defer close(s.done)

	for !s.disposed {
		select {
		case msg := <-s.inbox:
			s.handle(msg)
		case <-s.stop:
			return
		}
	}
}

func (s *scope) handle(msg *protocol.Message) {
	prevThread := s.thread
	s.thread = msg.Thread
	s.depth++
	defer func() {
		s.thread = prevThread
		if s.depth--; s.depth == 0 {
			s.releaseCallbacks()
		}
	}()

	switch msg.Op {
	case protocol.OpEval:
		s.eval(msg)
	case protocol.OpCall:
		s.call(msg)
	case protocol.OpCallCallback:
		s.callback(msg)
	case protocol.OpRegisterDelegate:
		var req protocol.RegisterDelegateRequest
		if err := msg.Decode(&req); err != nil {
			s.srv.reply(msg, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
			return
		}
		s.registerDelegate(req.Name)
		s.srv.reply(msg, nil, nil)
	case protocol.OpDisposeScope:
		s.disposed = true
		s.srv.removeScope(s.id)
		s.srv.reply(msg, nil, nil)
	case protocol.OpReply:
		s.logger.Debug("Dropping stale reply", zap.Uint64("call", msg.Call))
	}
}

// registerDelegate allow-lists name and installs a global stub that forwards to the host.
func (s *scope) registerDelegate(name string) {
	s.delegates[name] = true
	s.setHidden(name, func(call goja.FunctionCall) goja.Value {
		return s.callHost(name, call.Arguments)
	})
}

func (s *scope) eval(msg *protocol.Message) {
	var req protocol.EvalRequest
	if err := msg.Decode(&req); err != nil {
		s.srv.reply(msg, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
		return
	}

	for _, name := range req.FunctionsToAdd {
		s.registerDelegate(name)
	}
	for name, value := range req.Metadata {
		s.setHidden(name, s.toGoja(value))
	}

	result := goja.Undefined()
	for _, ref := range req.Scripts {
		value, perr := s.runScript(ref)
		if perr != nil {
			s.srv.reply(msg, nil, perr)
			return
		}
		result = value
	}

	resp := protocol.EvalResponse{Result: s.toValue(result)}
	if req.ReturnFunctions {
		resp.Functions = s.describeFunctions()
	}
	s.srv.reply(msg, resp, nil)
}

func (s *scope) runScript(ref protocol.ScriptRef) (goja.Value, *protocol.Error) {
	var (
		value goja.Value
		err   error
	)
	if ref.ScriptID != 0 {
		p, ok := s.srv.program(ref.ScriptID)
		if !ok {
			return nil, protocol.Errorf(protocol.KindUnknownScript, "script %d is not loaded", ref.ScriptID)
		}
		value, err = s.vm.RunProgram(p.prog)
	} else {
		value, err = s.vm.RunScript(ref.Name, ref.Source)
	}
	if err != nil {
		return nil, s.classify(err)
	}
	return value, nil
}

func (s *scope) call(msg *protocol.Message) {
	var req protocol.CallRequest
	if err := msg.Decode(&req); err != nil {
		s.srv.reply(msg, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
		return
	}

	fn, ok := goja.AssertFunction(s.vm.Get(req.Name))
	if !ok || s.hidden[req.Name] {
		s.srv.reply(msg, nil, protocol.Errorf(protocol.KindUnknownFunction, "function %q is not defined", req.Name))
		return
	}
	s.invoke(msg, fn, req.Args)
}

func (s *scope) callback(msg *protocol.Message) {
	var req protocol.CallbackRequest
	if err := msg.Decode(&req); err != nil {
		s.srv.reply(msg, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
		return
	}

	value, ok := s.callbacks[req.CallbackID]
	if !ok {
		s.srv.reply(msg, nil, protocol.Errorf(protocol.KindUnknownFunction, "callback %d does not exist", req.CallbackID))
		return
	}
	fn, _ := goja.AssertFunction(value)
	s.invoke(msg, fn, req.Args)
}

func (s *scope) invoke(msg *protocol.Message, fn goja.Callable, args []protocol.Value) {
	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = s.toGoja(arg)
	}

	result, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		s.srv.reply(msg, nil, s.classify(err))
		return
	}
	s.srv.reply(msg, protocol.ResultResponse{Value: s.toValue(result)}, nil)
}

func (s *scope) classify(err error) *protocol.Error {
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return protocol.Errorf(protocol.KindCompile, "%v", err)
	}
	var refusal *hostRefusal
	if errors.As(err, &refusal) {
		return protocol.Errorf(protocol.KindDisallowedHostCall, "host function %q is not allowed in this scope", refusal.name)
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return protocol.Errorf(protocol.KindException, "%s", exc.Value().String())
	}
	return protocol.Errorf(protocol.KindException, "%v", err)
}

// callHost sends a CallParent request and services the inbox until the
// matching reply arrives, so the host may call back into this scope meanwhile.
func (s *scope) callHost(name string, args []goja.Value) goja.Value {
	if !s.delegates[name] {
		panic(s.vm.NewGoError(&hostRefusal{name: name}))
	}

	values := make([]protocol.Value, len(args))
	for i, arg := range args {
		values[i] = s.toValue(arg)
	}

	callID := s.srv.nextCall.Add(1)
	msg, err := protocol.NewMessage(protocol.OpCallParent, callID, s.id, s.thread,
		protocol.ParentCallRequest{Name: name, Args: values})
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	s.srv.send(msg)

	for {
		select {
		case in := <-s.inbox:
			if in.Op == protocol.OpReply && in.Call == callID {
				return s.parentResult(name, in)
			}
			s.handle(in)
		case <-s.stop:
			panic(s.vm.NewGoError(errScopeStopped))
		}
	}
}

func (s *scope) parentResult(name string, reply *protocol.Message) goja.Value {
	if reply.Error != nil {
		if reply.Error.Kind == protocol.KindDisallowedHostCall {
			panic(s.vm.NewGoError(&hostRefusal{name: name}))
		}
		panic(s.vm.NewGoError(errors.New(reply.Error.Message)))
	}
	var resp protocol.ResultResponse
	if err := reply.Decode(&resp); err != nil {
		panic(s.vm.NewGoError(err))
	}
	return s.toGoja(resp.Value)
}
