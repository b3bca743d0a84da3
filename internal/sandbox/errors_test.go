package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("call add: %w", ErrTimeout), "timeout"},
		{fmt.Errorf("%w: %w", ErrCollateral, ErrTimeout), "collateral"},
		{ErrCrash, "crash"},
		{&ScriptError{Kind: protocol.KindCompile, Message: "x"}, "compile"},
		{&ScriptError{Kind: protocol.KindException, Message: "x"}, "exception"},
		{&ScriptError{Kind: protocol.KindUnknownFunction, Message: "x"}, "unknown_function"},
		{&ScriptError{Kind: protocol.KindDisallowedHostCall, Message: "x"}, "disallowed_host_call"},
		{ErrScopeDisposed, "scope_disposed"},
		{ErrWorkerClosed, "scope_dead"},
		{fmt.Errorf("%w: %w", ErrScopeDead, ErrTimeout), "timeout"},
		{ErrProvisioning, "provisioning"},
		{ErrPoolClosed, "pool_closed"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestScriptErrorWireRoundTrip(t *testing.T) {
	wire := toWire(fmt.Errorf("denied: %w", ErrDisallowedHostCall))
	assert.Equal(t, protocol.KindDisallowedHostCall, wire.Kind)

	wire = toWire(errors.New("delegate failed"))
	assert.Equal(t, protocol.KindException, wire.Kind)
	assert.ErrorIs(t, fromWire(wire), ErrException)

	assert.NoError(t, fromWire(nil))
	assert.True(t, IsTransient(ErrCrash))
	assert.False(t, IsTransient(ErrException))
}

func TestRelayWorkerLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := &Worker{logger: zap.New(core)}

	w.relayLog([]byte(`{"level":"warn","message":"slow eval","pid":12,"scope":3}`))
	w.relayLog([]byte(`plain text`))

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		assert.Equal(t, "Worker: slow eval", entries[0].Message)
		assert.Equal(t, float64(3), entries[0].ContextMap()["scope"])
		assert.NotContains(t, entries[0].ContextMap(), "pid")

		assert.Equal(t, "Worker output", entries[1].Message)
	}
}
