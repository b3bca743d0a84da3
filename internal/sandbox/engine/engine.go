package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

// inboxSize bounds queued messages per scope before the read loop blocks.
const inboxSize = 256

type program struct {
	name   string
	source string
	prog   *goja.Program
}

// Server is the worker side of the sandbox protocol. It owns every compiled
// program and one goja runtime per scope.
type Server struct {
	out    *protocol.Writer
	logger *zap.Logger

	progMu   sync.RWMutex
	programs map[int64]*program

	scopeMu sync.Mutex
	scopes  map[int64]*scope

	nextCall atomic.Uint64
	wg       sync.WaitGroup
}

// Serve reads requests from r and writes replies to w until r reaches EOF,
// a Shutdown request arrives or ctx is cancelled between frames.
func Serve(ctx context.Context, r io.Reader, w io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		out:      protocol.NewWriter(w, 0),
		logger:   logger,
		programs: make(map[int64]*program),
		scopes:   make(map[int64]*scope),
	}
	return srv.run(ctx, protocol.NewReader(r))
}

func (srv *Server) run(ctx context.Context, in *protocol.Reader) error {
	defer srv.stopScopes()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := in.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch msg.Op {
		case protocol.OpShutdown:
			srv.logger.Debug("Shutdown requested")
			return nil
		case protocol.OpCompile:
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				srv.compile(msg)
			}()
		case protocol.OpLoadCompiled:
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				srv.loadCompiled(msg)
			}()
		case protocol.OpEval, protocol.OpRegisterDelegate:
			srv.deliver(srv.scopeFor(msg.Scope, true), msg)
		case protocol.OpCall, protocol.OpCallCallback, protocol.OpReply:
			srv.deliver(srv.scopeFor(msg.Scope, false), msg)
		case protocol.OpDisposeScope:
			s := srv.scopeFor(msg.Scope, false)
			if s == nil {
				srv.reply(msg, nil, nil)
				continue
			}
			srv.deliver(s, msg)
		default:
			srv.reply(msg, nil, protocol.Errorf(protocol.KindProtocol, "unsupported op %q", msg.Op))
		}
	}
}

func (srv *Server) scopeFor(id int64, create bool) *scope {
	srv.scopeMu.Lock()
	defer srv.scopeMu.Unlock()

	if s, ok := srv.scopes[id]; ok {
		return s
	}
	if !create {
		return nil
	}

	s := newScope(srv, id)
	srv.scopes[id] = s
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		s.run()
	}()
	return s
}

func (srv *Server) deliver(s *scope, msg *protocol.Message) {
	if s == nil {
		if msg.Op != protocol.OpReply {
			srv.reply(msg, nil, protocol.Errorf(protocol.KindUnknownScope, "scope %d does not exist", msg.Scope))
		}
		return
	}
	select {
	case s.inbox <- msg:
	case <-s.done:
		if msg.Op == protocol.OpDisposeScope {
			srv.reply(msg, nil, nil)
			return
		}
		if msg.Op != protocol.OpReply {
			srv.reply(msg, nil, protocol.Errorf(protocol.KindUnknownScope, "scope %d was disposed", msg.Scope))
		}
	}
}

func (srv *Server) removeScope(id int64) {
	srv.scopeMu.Lock()
	delete(srv.scopes, id)
	srv.scopeMu.Unlock()
}

func (srv *Server) stopScopes() {
	srv.scopeMu.Lock()
	for id, s := range srv.scopes {
		close(s.stop)
		delete(srv.scopes, id)
	}
	srv.scopeMu.Unlock()
	srv.wg.Wait()
}

func (srv *Server) compile(msg *protocol.Message) {
	var req protocol.CompileRequest
	if err := msg.Decode(&req); err != nil {
		srv.reply(msg, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
		return
	}
	if err := srv.install(req.ScriptID, req.Name, req.Source); err != nil {
		srv.reply(msg, nil, err)
		return
	}
	// goja cannot serialize a *goja.Program, so the blob is the source.
	srv.reply(msg, protocol.CompileResponse{Blob: []byte(req.Source)}, nil)
}

func (srv *Server) loadCompiled(msg *protocol.Message) {
	var req protocol.LoadCompiledRequest
	if err := msg.Decode(&req); err != nil {
		srv.reply(msg, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
		return
	}
	if err := srv.install(req.ScriptID, req.Name, string(req.Blob)); err != nil {
		srv.reply(msg, nil, err)
		return
	}
	srv.reply(msg, nil, nil)
}

func (srv *Server) install(id int64, name, source string) *protocol.Error {
	if id <= 0 {
		return protocol.Errorf(protocol.KindProtocol, "invalid script id %d", id)
	}
	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return protocol.Errorf(protocol.KindCompile, "%v", err)
	}

	srv.progMu.Lock()
	srv.programs[id] = &program{name: name, source: source, prog: prog}
	srv.progMu.Unlock()

	srv.logger.Debug("Compiled script", zap.Int64("script_id", id), zap.String("name", name))
	return nil
}

func (srv *Server) program(id int64) (*program, bool) {
	srv.progMu.RLock()
	defer srv.progMu.RUnlock()
	p, ok := srv.programs[id]
	return p, ok
}

func (srv *Server) reply(req *protocol.Message, payload any, replyErr *protocol.Error) {
	msg, err := protocol.Reply(req, payload, replyErr)
	if err != nil {
		msg, _ = protocol.Reply(req, nil, protocol.Errorf(protocol.KindProtocol, "%v", err))
	}
	srv.send(msg)
}

func (srv *Server) send(msg *protocol.Message) {
	if err := srv.out.Write(msg); err != nil {
		srv.logger.Warn("Failed to write frame", zap.String("op", string(msg.Op)), zap.Error(err))
	}
}
