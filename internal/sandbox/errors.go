package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

var (
	// ErrTimeout means a call exceeded its budget and the worker was killed.
	ErrTimeout = errors.New("sandbox timeout")
	// ErrCollateral wraps ErrTimeout for calls on scopes that shared a worker
	// with another scope's overrunning call.
	ErrCollateral = errors.New("worker killed by another scope's timeout")
	// ErrCrash means the worker process exited or its pipes broke.
	ErrCrash = errors.New("sandbox crash")

	ErrUnknownFunction    = errors.New("unknown function")
	ErrDisallowedHostCall = errors.New("disallowed host call")
	ErrCompile            = errors.New("compile error")
	ErrException          = errors.New("script exception")
	ErrProtocol           = errors.New("protocol error")

	ErrScopeDisposed = errors.New("scope is disposed")
	ErrScopeDead     = errors.New("scope's worker is dead")
	ErrWorkerClosed  = errors.New("worker is disposed")
	ErrProvisioning  = errors.New("unable to provision worker")
	ErrPoolClosed    = errors.New("sandbox pool is closed")
)

// ScriptError is a failure reported by the guest side of the boundary.
type ScriptError struct {
	Kind    protocol.ErrorKind
	Message string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap maps the kind to its sentinel so errors.Is works on the result.
func (e *ScriptError) Unwrap() error {
	switch e.Kind {
	case protocol.KindCompile:
		return ErrCompile
	case protocol.KindException:
		return ErrException
	case protocol.KindUnknownFunction:
		return ErrUnknownFunction
	case protocol.KindDisallowedHostCall:
		return ErrDisallowedHostCall
	case protocol.KindUnknownScope:
		return ErrScopeDead
	default:
		return ErrProtocol
	}
}

func fromWire(e *protocol.Error) error {
	if e == nil {
		return nil
	}
	return &ScriptError{Kind: e.Kind, Message: e.Message}
}

// toWire converts a host delegate failure into a reply error.
func toWire(err error) *protocol.Error {
	var se *ScriptError
	switch {
	case errors.As(err, &se):
		return &protocol.Error{Kind: se.Kind, Message: se.Message}
	case errors.Is(err, ErrDisallowedHostCall):
		return protocol.Errorf(protocol.KindDisallowedHostCall, "%v", err)
	default:
		return protocol.Errorf(protocol.KindException, "%v", err)
	}
}

// IsTransient reports whether err came from the worker dying, in which case
// the same request may succeed on a fresh worker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCrash)
}

// Classify names the kind of err for metrics and logs. A nil error is "ok".
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCollateral):
		return "collateral"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCrash):
		return "crash"
	case errors.Is(err, ErrCompile):
		return "compile"
	case errors.Is(err, ErrException):
		return "exception"
	case errors.Is(err, ErrUnknownFunction):
		return "unknown_function"
	case errors.Is(err, ErrDisallowedHostCall):
		return "disallowed_host_call"
	case errors.Is(err, ErrScopeDisposed):
		return "scope_disposed"
	case errors.Is(err, ErrScopeDead), errors.Is(err, ErrWorkerClosed):
		return "scope_dead"
	case errors.Is(err, ErrProvisioning):
		return "provisioning"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
