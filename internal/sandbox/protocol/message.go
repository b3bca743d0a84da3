package protocol

import (
	"encoding/json"
	"fmt"
)

// Op is the operation carried by a frame.
type Op string

// Host to worker operations.
const (
	OpCompile          Op = "compile"
	OpLoadCompiled     Op = "load_compiled"
	OpEval             Op = "eval"
	OpCall             Op = "call"
	OpCallCallback     Op = "call_callback"
	OpRegisterDelegate Op = "register_delegate"
	OpDisposeScope     Op = "dispose_scope"
	OpShutdown         Op = "shutdown"
)

// Bidirectional operations. CallParent flows worker to host; Reply answers
// whichever side issued the request with the same Call id.
const (
	OpCallParent Op = "call_parent"
	OpReply      Op = "reply"
)

// ErrorKind classifies failures reported across the boundary.
type ErrorKind string

const (
	KindCompile            ErrorKind = "compile"
	KindException          ErrorKind = "exception"
	KindUnknownFunction    ErrorKind = "unknown_function"
	KindDisallowedHostCall ErrorKind = "disallowed_host_call"
	KindUnknownScope       ErrorKind = "unknown_scope"
	KindUnknownScript      ErrorKind = "unknown_script"
	KindProtocol           ErrorKind = "protocol"
)

// Error is the error half of a Reply.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Message is one frame on the channel. Call ids are allocated independently
// by each side for the requests it originates.
type Message struct {
	Op      Op              `json:"op"`
	Call    uint64          `json:"call,omitempty"`
	Scope   int64           `json:"scope,omitempty"`
	Thread  int64           `json:"thread,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewMessage encodes payload into a message. A nil payload leaves it empty.
func NewMessage(op Op, call uint64, scope, thread int64, payload any) (*Message, error) {
	msg := &Message{Op: op, Call: call, Scope: scope, Thread: thread}
	if payload != nil {
		data, err := codec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Reply builds the reply to req.
func Reply(req *Message, payload any, replyErr *Error) (*Message, error) {
	msg, err := NewMessage(OpReply, req.Call, req.Scope, req.Thread, payload)
	if err != nil {
		return nil, err
	}
	msg.Error = replyErr
	return msg, nil
}

// Decode unpacks the payload into out.
func (m *Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := codec.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Op, err)
	}
	return nil
}

// CompileRequest asks the worker to compile source and store it under ScriptID.
type CompileRequest struct {
	ScriptID int64  `json:"script_id"`
	Name     string `json:"name"`
	Source   string `json:"source"`
}

// CompileResponse returns the opaque blob that LoadCompiled accepts.
type CompileResponse struct {
	Blob []byte `json:"blob"`
}

// LoadCompiledRequest installs a previously compiled blob under ScriptID.
type LoadCompiledRequest struct {
	ScriptID int64  `json:"script_id"`
	Name     string `json:"name"`
	Blob     []byte `json:"blob"`
}

// ScriptRef names a compiled script, or carries inline source when ScriptID is 0.
type ScriptRef struct {
	ScriptID int64  `json:"script_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Source   string `json:"source,omitempty"`
}

// EvalRequest creates the scope if needed, installs metadata globals and
// host function stubs, then runs Scripts in order.
type EvalRequest struct {
	Metadata        map[string]Value `json:"metadata,omitempty"`
	Scripts         []ScriptRef      `json:"scripts"`
	FunctionsToAdd  []string         `json:"functions_to_add,omitempty"`
	ReturnFunctions bool             `json:"return_functions"`
}

// FunctionDescriptor describes a global function defined in a scope.
type FunctionDescriptor struct {
	Name       string           `json:"name"`
	Properties map[string]Value `json:"properties,omitempty"`
	Parameters []string         `json:"parameters,omitempty"`
}

// Property returns the named property or Undefined.
func (f FunctionDescriptor) Property(name string) Value {
	return f.Properties[name]
}

// EvalResponse carries the completion value of the last script and, when
// requested, the scope's function descriptors.
type EvalResponse struct {
	Result    Value                `json:"result"`
	Functions []FunctionDescriptor `json:"functions,omitempty"`
}

// CallRequest invokes a global function by name.
type CallRequest struct {
	Name string  `json:"name"`
	Args []Value `json:"args,omitempty"`
}

// CallbackRequest invokes a guest function previously passed out as a callback.
type CallbackRequest struct {
	CallbackID int64   `json:"callback_id"`
	Args       []Value `json:"args,omitempty"`
}

// ResultResponse carries a single return value.
type ResultResponse struct {
	Value Value `json:"value"`
}

// RegisterDelegateRequest allow-lists a host function name for a scope.
type RegisterDelegateRequest struct {
	Name string `json:"name"`
}

// ParentCallRequest is a guest call to a host function.
type ParentCallRequest struct {
	Name string  `json:"name"`
	Args []Value `json:"args,omitempty"`
}
