package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

func evalInline(t *testing.T, w *Worker, scopeID int64, source string, delegates map[string]DelegateFunc) {
	t.Helper()
	_, err := w.EvalScope(context.Background(), scopeID, 1, nil,
		[]protocol.ScriptRef{{Name: "inline.js", Source: source}}, delegates, false)
	require.NoError(t, err)
}

func TestWorkerCompileEvalCall(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)
	ctx := context.Background()

	scriptID := w.NextScriptID()
	blob, err := w.Compile(ctx, 1, "add.js", "function add(a, b) { return a + b; }", scriptID)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	res, err := w.EvalScope(ctx, 1, 1, nil, []protocol.ScriptRef{{ScriptID: scriptID}}, nil, true)
	require.NoError(t, err)
	require.Len(t, res.Functions, 1)
	assert.Equal(t, "add", res.Functions[0].Name)

	sum, err := w.CallFunctionInScope(ctx, 1, 2, "add", []protocol.Value{protocol.Number(2), protocol.Number(2)})
	require.NoError(t, err)
	assert.Equal(t, float64(4), sum.Number())

	assert.True(t, w.Alive())
	assert.Equal(t, 1, w.Scopes())
}

func TestWorkerCompileError(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)

	_, err := w.Compile(context.Background(), 1, "broken.js", "function (", w.NextScriptID())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompile)

	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.False(t, IsTransient(err))
	assert.True(t, w.Alive())
}

func TestWorkerUnknownFunctionMayReturnUndefined(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)
	ctx := context.Background()

	evalInline(t, w, 1, "function nothing() {}", nil)

	v, err := w.CallFunctionInScope(ctx, 1, 1, "nothing", nil)
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())

	_, err = w.CallFunctionInScope(ctx, 1, 1, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestWorkerTimeoutKillsProcess(t *testing.T) {
	cfg := testConfig()
	cfg.ExecuteTimeout = 500 * time.Millisecond
	w := startTestWorker(t, cfg, nil)

	evalInline(t, w, 1, "function spin() { while (true) {} }", nil)

	start := time.Now()
	_, err := w.CallFunctionInScope(context.Background(), 1, 1, "spin", nil)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 3*time.Second)
	assert.False(t, w.Alive())

	_, err = w.CallFunctionInScope(context.Background(), 1, 2, "spin", nil)
	assert.ErrorIs(t, err, ErrTimeout, "death cause is sticky")
	assert.NoError(t, w.DisposeScope(context.Background(), 1, 3), "dispose after death is a no-op")
}

func TestWorkerTimeoutFailsOutstandingCalls(t *testing.T) {
	cfg := testConfig()
	cfg.ExecuteTimeout = 700 * time.Millisecond
	w := startTestWorker(t, cfg, nil)

	evalInline(t, w, 1, "function spin() { while (true) {} }", nil)
	evalInline(t, w, 2, "function wait() { return block(); }", map[string]DelegateFunc{
		"block": func(ctx context.Context, call *ParentCall) (protocol.Value, error) {
			<-ctx.Done()
			return protocol.Undefined(), ctx.Err()
		},
	})

	var wg sync.WaitGroup
	var waitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Whichever budget expires first kills the worker for both calls.
		_, waitErr = w.CallFunctionInScope(context.Background(), 2, 1, "wait", nil)
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := w.CallFunctionInScope(context.Background(), 1, 2, "spin", nil)
	wg.Wait()

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, waitErr, ErrTimeout)
}

func TestWorkerCrashFailsCalls(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)

	entered := make(chan struct{})
	evalInline(t, w, 1, "function wait() { return block(); }", map[string]DelegateFunc{
		"block": func(ctx context.Context, call *ParentCall) (protocol.Value, error) {
			close(entered)
			<-ctx.Done()
			return protocol.Undefined(), ctx.Err()
		},
	})

	go func() {
		<-entered
		_ = w.proc.Kill()
	}()

	_, err := w.CallFunctionInScope(context.Background(), 1, 1, "wait", nil)
	assert.ErrorIs(t, err, ErrCrash)
	assert.True(t, IsTransient(err))
	assert.False(t, w.Alive())
}

func TestWorkerHostFunctionAllowList(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)
	ctx := context.Background()

	evalInline(t, w, 1, `
function ok() { return readFile("notes.txt"); }
function bad() { return callHost("deleteEverything", "/"); }
`, map[string]DelegateFunc{
		"readFile": func(ctx context.Context, call *ParentCall) (protocol.Value, error) {
			return protocol.String("contents of " + call.Arg(0).Str()), nil
		},
	})

	v, err := w.CallFunctionInScope(ctx, 1, 1, "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, "contents of notes.txt", v.Str())

	_, err = w.CallFunctionInScope(ctx, 1, 2, "bad", nil)
	assert.ErrorIs(t, err, ErrDisallowedHostCall)
	assert.True(t, w.Alive())
}

func TestWorkerDelegatesAreScoped(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)
	ctx := context.Background()

	evalInline(t, w, 1, "function f() { return 1; }", map[string]DelegateFunc{
		"secret": func(context.Context, *ParentCall) (protocol.Value, error) { return protocol.String("s"), nil },
	})
	evalInline(t, w, 2, `function steal() { return callHost("secret"); }`, nil)

	_, err := w.CallFunctionInScope(ctx, 2, 1, "steal", nil)
	assert.ErrorIs(t, err, ErrDisallowedHostCall)
}

func TestWorkerRegisterParentFunctionDelegate(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, w.RegisterParentFunctionDelegate(ctx, 1, "now", func(context.Context, *ParentCall) (protocol.Value, error) {
		return protocol.Number(42), nil
	}))
	evalInline(t, w, 1, "function f() { return now() + 1; }", nil)

	v, err := w.CallFunctionInScope(ctx, 1, 1, "f", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(43), v.Number())
}

func TestWorkerNestedCallbacks(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)
	ctx := context.Background()

	evalInline(t, w, 1, `
var seen = [];
function run() {
  each(3, function (i) { seen.push(i * 10); return i; });
  return seen;
}
`, map[string]DelegateFunc{
		"each": func(ctx context.Context, call *ParentCall) (protocol.Value, error) {
			n := int(call.Arg(0).Number())
			for i := 0; i < n; i++ {
				if _, err := call.Callback(ctx, call.Arg(1), protocol.Number(float64(i))); err != nil {
					return protocol.Undefined(), err
				}
			}
			return protocol.Undefined(), nil
		},
	})

	v, err := w.CallFunctionInScope(ctx, 1, 1, "run", nil)
	require.NoError(t, err)
	items := v.Items()
	require.Len(t, items, 3)
	assert.Equal(t, float64(20), items[2].Number())
}

func TestWorkerHostErrorBecomesException(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)

	evalInline(t, w, 1, `
function caught() { try { fail(); } catch (e) { return "recovered"; } }
function uncaught() { return fail(); }
`, map[string]DelegateFunc{
		"fail": func(context.Context, *ParentCall) (protocol.Value, error) {
			return protocol.Undefined(), errors.New("storage unavailable")
		},
	})

	v, err := w.CallFunctionInScope(context.Background(), 1, 1, "caught", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", v.Str())

	_, err = w.CallFunctionInScope(context.Background(), 1, 2, "uncaught", nil)
	assert.ErrorIs(t, err, ErrException)
	assert.Contains(t, err.Error(), "storage unavailable")
}

func TestWorkerCancelledCallWithinBudgetKeepsWorker(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)

	evalInline(t, w, 1, "function slow() { return pause(); }", map[string]DelegateFunc{
		"pause": func(context.Context, *ParentCall) (protocol.Value, error) {
			time.Sleep(300 * time.Millisecond)
			return protocol.Null(), nil
		},
	})
	evalInline(t, w, 2, "function fast() { return 1; }", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.CallFunctionInScope(ctx, 1, 1, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := w.CallFunctionInScope(context.Background(), 2, 2, "fast", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v.Number())
	assert.True(t, w.Alive())
}

func TestWorkerCancelledCallStillTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ExecuteTimeout = 400 * time.Millisecond
	obs := newCountingObserver()
	w := startTestWorker(t, cfg, obs)

	evalInline(t, w, 1, "function spin() { while (true) {} }", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.CallFunctionInScope(ctx, 1, 1, "spin", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, w.Alive(), "the budget has not run out yet")

	require.Eventually(t, func() bool { return !w.Alive() }, 3*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, w.Err(), ErrTimeout)
	assert.Equal(t, int64(1), obs.died.Load())
}

func TestWorkerTimeoutMarksCoHostedScopesCollateral(t *testing.T) {
	cfg := testConfig()
	cfg.ExecuteTimeout = 600 * time.Millisecond
	w := startTestWorker(t, cfg, nil)

	evalInline(t, w, 1, "function spin() { while (true) {} }", nil)
	evalInline(t, w, 2, "function wait() { return block(); }", map[string]DelegateFunc{
		"block": func(ctx context.Context, call *ParentCall) (protocol.Value, error) {
			<-ctx.Done()
			return protocol.Undefined(), ctx.Err()
		},
	})

	var wg sync.WaitGroup
	var spinErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, spinErr = w.CallFunctionInScope(context.Background(), 1, 1, "spin", nil)
	}()

	time.Sleep(150 * time.Millisecond)
	_, waitErr := w.CallFunctionInScope(context.Background(), 2, 2, "wait", nil)
	wg.Wait()

	require.ErrorIs(t, spinErr, ErrTimeout)
	assert.NotErrorIs(t, spinErr, ErrCollateral)
	assert.Equal(t, "timeout", Classify(spinErr))

	require.ErrorIs(t, waitErr, ErrCollateral)
	assert.ErrorIs(t, waitErr, ErrTimeout)
	assert.True(t, IsTransient(waitErr))
	assert.Equal(t, "collateral", Classify(waitErr))

	_, err := w.CallFunctionInScope(context.Background(), 2, 3, "wait", nil)
	assert.ErrorIs(t, err, ErrCollateral, "later calls on the co-hosted scope keep the marker")
	_, err = w.CallFunctionInScope(context.Background(), 1, 4, "spin", nil)
	assert.NotErrorIs(t, err, ErrCollateral)
}

func TestWorkerDisposeScope(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)
	ctx := context.Background()

	evalInline(t, w, 1, "function f() { return 1; }", nil)
	require.NoError(t, w.DisposeScope(ctx, 1, 1))
	require.NoError(t, w.DisposeScope(ctx, 1, 2))
	assert.Equal(t, 0, w.Scopes())

	_, err := w.CallFunctionInScope(ctx, 1, 3, "f", nil)
	assert.ErrorIs(t, err, ErrScopeDead)
}

func TestWorkerDispose(t *testing.T) {
	w := startTestWorker(t, testConfig(), nil)

	w.Dispose()
	assert.False(t, w.Alive())
	assert.ErrorIs(t, w.Err(), ErrWorkerClosed)

	_, err := w.Compile(context.Background(), 1, "x.js", "1", w.NextScriptID())
	assert.ErrorIs(t, err, ErrWorkerClosed)
}
