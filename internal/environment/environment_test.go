package environment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scripthost/internal/objects"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
)

const calculatorScript = `
var hits = 0;

function add(a, b) { return a + b; }
add.webCallable = "GET_application_x_www_form_urlencoded";
add.minimumWebPermission = "Read";
add.parser_a = "number";
add.parser_b = "number";

function echo(text) { return text; }
echo.webCallable = "POST_string";

function count(doc) { return doc.items.length; }
count.webCallable = "POST_application_x_www_form_urlencoded";
count.minimumWebPermission = "Write";
count.parser_doc = "JSON";

function secret() { return "s"; }
secret.webCallable = "GET";
secret.namedPermissions = "auditor, owner";

function info() {
  return { user: userMetadata.name, file: fileMetadata.filename, host: hostMetadata.host };
}
info.webCallable = "GET";
info.webReturnConvention = "JavaScriptObject";

function hit() { hits++; return hits; }
hit.webCallable = "GET";

function boom() { throw new Error("kaput"); }
boom.webCallable = "GET";

function helper() { return 1; }

function upload() {}
upload.webCallable = "POST_multipart_form_data";
`

func TestWrapperListsExactlyWebCallable(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/calc", calculatorScript)
	env := f.env(t, "/objects/calc")

	lines, err := env.GenerateJavascriptWrapper(context.Background(), &Request{User: "admin"})
	require.NoError(t, err)

	var names []string
	for _, line := range lines {
		name, _, ok := strings.Cut(strings.TrimPrefix(line, wrapperObject+"."), " = ")
		require.True(t, ok, line)
		names = append(names, name)
	}
	assert.Equal(t, []string{"add", "boom", "count", "echo", "hit", "info", "secret"}, names)

	assert.Contains(t, lines[0], `"minimumWebPermission":"Read"`)
	assert.Contains(t, lines[0], `"parameters":["a","b"]`)
	assert.Contains(t, lines[0], `"method":"GET"`)
	assert.Contains(t, lines[2], `"method":"POST"`)
	assert.Contains(t, lines[4], `"minimumWebPermission":"Administer"`)
	for _, line := range lines {
		assert.NotContains(t, line, "helper")
		assert.NotContains(t, line, "upload")
		assert.NotContains(t, line, "hits")
	}
}

func TestDispatchConventionsAndParsers(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/calc", calculatorScript)
	env := f.env(t, "/objects/calc")

	res, err := call(t, env, adminRequest("add", map[string]string{"a": "2", "b": "3"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "5", string(res.Body))

	echo := adminRequest("echo", nil)
	echo.Body = "hello there"
	res, err = call(t, env, echo)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(res.Body))

	count := adminRequest("count", nil)
	count.Form = map[string]string{"doc": `{"items":[1,2,3]}`}
	res, err = call(t, env, count)
	require.NoError(t, err)
	assert.Equal(t, "3", string(res.Body))

	count.Form = map[string]string{"doc": `{"items":`}
	res, err = call(t, env, count)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)

	res, err = call(t, env, adminRequest("info", nil))
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.ContentType)
	assert.JSONEq(t, `{"user":"admin","file":"calc","host":"objects.test:8080"}`, string(res.Body))
}

func TestDispatchPermissions(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/calc", calculatorScript)
	env := f.env(t, "/objects/calc")

	reader := &Request{User: "reader", Permission: Read, Query: map[string]string{"Method": "add", "a": "1", "b": "1"}}
	res, err := call(t, env, reader)
	require.NoError(t, err)
	assert.Equal(t, "2", string(res.Body))

	reader.Query["Method"] = "hit"
	res, err = call(t, env, reader)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status, "hit defaults to Administer")

	anon := &Request{User: "anon", Permission: None, Query: map[string]string{"Method": "secret"}}
	res, err = call(t, env, anon)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	anon.NamedPermissions = []string{"owner"}
	res, err = call(t, env, anon)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "s", string(res.Body))
}

func TestScopesArePerUser(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/calc", calculatorScript)
	env := f.env(t, "/objects/calc")

	for i := 0; i < 2; i++ {
		_, err := call(t, env, adminRequest("hit", nil))
		require.NoError(t, err)
	}

	bob := adminRequest("hit", nil)
	bob.User = "bob"
	res, err := call(t, env, bob)
	require.NoError(t, err)
	assert.Equal(t, "1", string(res.Body))

	res, err = call(t, env, adminRequest("hit", nil))
	require.NoError(t, err)
	assert.Equal(t, "3", string(res.Body))
}

func TestGetMethodMisses(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/calc", calculatorScript)
	env := f.env(t, "/objects/calc")
	ctx := context.Background()

	_, ok := env.GetMethod(ctx, &Request{User: "admin", Permission: Administer})
	assert.False(t, ok, "no Method argument")

	_, ok = env.GetMethod(ctx, adminRequest("missing", nil))
	assert.False(t, ok)

	_, ok = env.GetMethod(ctx, adminRequest("helper", nil))
	assert.False(t, ok, "functions without webCallable are not reachable")

	_, ok = env.GetMethod(ctx, adminRequest("upload", nil))
	assert.False(t, ok, "unsupported conventions are not reachable")
}

func TestGuestExceptionIsReturned(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/calc", calculatorScript)
	env := f.env(t, "/objects/calc")

	_, err := call(t, env, adminRequest("boom", nil))
	assert.ErrorIs(t, err, sandbox.ErrException)
	assert.Contains(t, err.Error(), "kaput")
}

func TestBrokenScriptErrorsAreData(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/broken", "function (")
	f.put(t, "/objects/fine", `function ok() { return "ok"; } ok.webCallable = "GET";`)
	ctx := context.Background()

	broken := f.env(t, "/objects/broken")
	assert.Empty(t, broken.ExecutionEnvironmentErrors())

	_, ok := broken.GetMethod(ctx, adminRequest("anything", nil))
	assert.False(t, ok)
	assert.NotEmpty(t, broken.ExecutionEnvironmentErrors())

	_, err := broken.GenerateJavascriptWrapper(ctx, &Request{User: "admin"})
	assert.ErrorIs(t, err, sandbox.ErrCompile)

	res, err := call(t, f.env(t, "/objects/fine"), adminRequest("ok", nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))
}

func TestMissingDependencyIsReported(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/needy", "// Scripts: /lib/nope\nfunction f() {}\nf.webCallable = \"GET\";")
	env := f.env(t, "/objects/needy")

	_, ok := env.GetMethod(context.Background(), adminRequest("f", nil))
	assert.False(t, ok)
	assert.Contains(t, env.ExecutionEnvironmentErrors(), "/lib/nope")
}

func TestDependenciesUseAndCallObject(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/lib/math", "function double(x) { return x * 2; }")
	f.put(t, "/lib/greet", `function greet(n) { return "hi " + n; }`)
	f.put(t, "/objects/other", `
function ping(x) { return "pong " + x; }
ping.webCallable = "GET";
function hidden() { return "no"; }
`)
	f.put(t, "/objects/main", `// @title: Main
// Scripts: /lib/math
function quad(x) { return double(double(x)); }
quad.webCallable = "GET_application_x_www_form_urlencoded";
quad.parser_x = "number";

function hello() { use("/lib/greet"); return greet("ann"); }
hello.webCallable = "GET";

function remote() { return callObject("/objects/other", "ping", 7); }
remote.webCallable = "GET";

function sneaky() {
  try { return callObject("/objects/other", "hidden"); } catch (e) { return "blocked"; }
}
sneaky.webCallable = "GET";
`)
	env := f.env(t, "/objects/main")
	assert.Equal(t, map[string]string{"title": "Main"}, env.Annotations())

	fns, err := env.Functions(context.Background(), "admin")
	require.NoError(t, err)
	require.Len(t, fns, 4)
	assert.Equal(t, "hello", fns[0].Name)

	tests := []struct {
		method string
		query  map[string]string
		want   string
	}{
		{method: "quad", query: map[string]string{"x": "3"}, want: "12"},
		{method: "hello", want: "hi ann"},
		{method: "remote", want: "pong 7"},
		{method: "sneaky", want: "blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			res, err := call(t, env, adminRequest(tt.method, tt.query))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(res.Body))
		})
	}
}

func TestManagerRebuildsOnChange(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/v", `function v() { return 1; } v.webCallable = "GET";`)

	first := f.env(t, "/objects/v")
	res, err := call(t, first, adminRequest("v", nil))
	require.NoError(t, err)
	assert.Equal(t, "1", string(res.Body))
	assert.Same(t, first, f.env(t, "/objects/v"), "unchanged script reuses the environment")

	f.put(t, "/objects/v", `function v() { return 2; } v.webCallable = "GET";`)
	second := f.env(t, "/objects/v")
	require.NotSame(t, first, second)
	assert.True(t, second.JavascriptLastModified().After(first.JavascriptLastModified()))

	res, err = call(t, second, adminRequest("v", nil))
	require.NoError(t, err)
	assert.Equal(t, "2", string(res.Body))

	require.Eventually(t, func() bool {
		_, ok := first.GetMethod(context.Background(), adminRequest("v", nil))
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "outdated environment is closed")
	assert.Equal(t, 1, f.manager.Len())
}

func TestManagerForgetsDeletedObjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "/objects/tmp", `function t() {} t.webCallable = "GET";`)
	f.env(t, "/objects/tmp")
	require.Equal(t, 1, f.manager.Len())

	require.NoError(t, f.store.Delete(ctx, "/objects/tmp"))
	_, err := f.manager.Environment(ctx, "/objects/tmp")
	assert.ErrorIs(t, err, objects.ErrNotFound)
	assert.Equal(t, 0, f.manager.Len())

	_, err = f.manager.Environment(ctx, "/../escape")
	assert.Error(t, err)
}

func TestManagerInvalidate(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/x", `function x() {} x.webCallable = "GET";`)

	first := f.env(t, "/objects/x")
	f.manager.Invalidate("/objects/x")
	assert.NotSame(t, first, f.env(t, "/objects/x"))
}

func TestManagerInvalidateAll(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/a", `function a() {} a.webCallable = "GET";`)
	f.put(t, "/objects/b", `function b() {} b.webCallable = "GET";`)

	a := f.env(t, "/objects/a")
	f.env(t, "/objects/b")
	require.Equal(t, 2, f.manager.Len())

	f.manager.InvalidateAll()
	assert.Equal(t, 0, f.manager.Len())
	assert.NotSame(t, a, f.env(t, "/objects/a"))
}

func TestDeadWorkerScopeIsRebuilt(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/calc", calculatorScript)
	env := f.env(t, "/objects/calc")

	_, err := call(t, env, adminRequest("hit", nil))
	require.NoError(t, err)

	fns, err := env.Functions(context.Background(), "admin")
	require.NoError(t, err)
	require.NotEmpty(t, fns)

	env.mu.Lock()
	w := env.scopes["admin"].scope.Worker()
	env.mu.Unlock()
	w.Dispose()

	res, err := call(t, env, adminRequest("hit", nil))
	require.NoError(t, err)
	assert.Equal(t, "1", string(res.Body), "a fresh scope replaces the dead one")
}

func TestCollateralFailureIsRetriedOnFreshScope(t *testing.T) {
	f := newFixture(t, func(cfg *sandbox.Config) {
		cfg.PoolSize = 1
		cfg.ExecuteTimeout = 600 * time.Millisecond
	})
	f.put(t, "/objects/spin", `function spin() { while (true) {} } spin.webCallable = "GET";`)
	f.put(t, "/objects/slow", `
function slow() {
  var end = Date.now() + 400;
  while (Date.now() < end) {}
  return "done";
}
slow.webCallable = "GET";`)

	spin := f.env(t, "/objects/spin")
	slow := f.env(t, "/objects/slow")
	spinCall, ok := spin.GetMethod(context.Background(), adminRequest("spin", nil))
	require.True(t, ok)
	slowCall, ok := slow.GetMethod(context.Background(), adminRequest("slow", nil))
	require.True(t, ok)

	spinErr := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := spinCall(context.Background(), adminRequest("spin", nil))
		spinErr <- err
	}()

	// slow is still running when spin's budget runs out and the shared worker dies.
	time.Sleep(400 * time.Millisecond)
	res, err := slowCall(context.Background(), adminRequest("slow", nil))
	require.NoError(t, err)
	assert.Equal(t, "done", string(res.Body))

	err = <-spinErr
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	assert.NotErrorIs(t, err, sandbox.ErrCollateral)
	assert.Less(t, time.Since(start), 3*time.Second, "the overrunning call is not rerun")
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/objects/once", `
var calls = 0;
function fail() { calls++; throw new Error("call " + calls); }
fail.webCallable = "GET";`)
	env := f.env(t, "/objects/once")

	_, err := call(t, env, adminRequest("fail", nil))
	require.ErrorIs(t, err, sandbox.ErrException)
	assert.Contains(t, err.Error(), "call 1")

	_, err = call(t, env, adminRequest("fail", nil))
	assert.Contains(t, err.Error(), "call 2", "the same scope served both calls")
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(sandbox.ErrCrash))
	assert.True(t, retryable(fmt.Errorf("%w: %w", sandbox.ErrCollateral, sandbox.ErrTimeout)))
	assert.True(t, retryable(fmt.Errorf("%w: %w", sandbox.ErrScopeDead, sandbox.ErrCrash)))
	assert.False(t, retryable(sandbox.ErrTimeout))
	assert.False(t, retryable(sandbox.ErrCompile))
	assert.False(t, retryable(sandbox.ErrDisallowedHostCall))
}
