package http

import (
	"net/http"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scripthost/internal/sandbox"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

const greeterV1 = `
function greet() { return "v1"; }
greet.webCallable = "GET";
greet.minimumWebPermission = "None";
`

const greeterV2 = `
function greet() { return "v2"; }
greet.webCallable = "GET";
greet.minimumWebPermission = "None";
`

func TestSourceLifecycle(t *testing.T) {
	f := newFixture(t, sandbox.Config{})
	editor := as{user: "ed", permission: "Write"}

	w := f.do(http.MethodPut, "/source/apps/greeter", editor, "application/javascript", greeterV1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var put struct {
		Path   string `json:"path"`
		Digest string `json:"digest"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &put))
	assert.Equal(t, "/apps/greeter", put.Path)
	assert.True(t, strings.HasPrefix(put.Digest, "sha256:"))

	assert.Equal(t, "v1", f.get("/objects/apps/greeter?Method=greet", as{}).Body.String())

	w = f.get("/source/apps/greeter", editor)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, greeterV1, w.Body.String())
	assert.Equal(t, `"`+put.Digest+`"`, w.Header().Get("ETag"))

	// Replacing the source takes effect on the next call.
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/source/apps/greeter", editor, "", greeterV2).Code)
	assert.Equal(t, "v2", f.get("/objects/apps/greeter?Method=greet", as{}).Body.String())

	w = f.get("/sources?pattern=apps/**", editor)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Paths []string `json:"paths"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []string{"/apps/greeter"}, list.Paths)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/source/apps/greeter", editor, "", "").Code)
	assert.Equal(t, http.StatusNotFound, f.get("/objects/apps/greeter?Method=greet", as{}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/source/apps/greeter", editor, "", "").Code)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.StoreOperations.WithLabelValues("put", "ok")))
}

func TestLibraryEditRebuildsDependents(t *testing.T) {
	f := newFixture(t, sandbox.Config{})
	editor := as{user: "ed", permission: "Write"}

	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/source/lib/label", editor, "", `function label() { return "old"; }`).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/source/objects/card", editor, "", `// Scripts: /lib/label
function show() { return label(); }
show.webCallable = "GET";
show.minimumWebPermission = "None";
`).Code)
	assert.Equal(t, "old", f.get("/objects/objects/card?Method=show", as{}).Body.String())

	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/source/lib/label", editor, "", `function label() { return "new"; }`).Code)
	assert.Equal(t, "new", f.get("/objects/objects/card?Method=show", as{}).Body.String())
}

func TestSourceRequiresWrite(t *testing.T) {
	f := newFixture(t, sandbox.Config{})

	for _, who := range []as{{}, {user: "rita", permission: "Read"}} {
		assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPut, "/source/x", who, "", greeterV1).Code)
		assert.Equal(t, http.StatusUnauthorized, f.get("/sources", who).Code)
	}
}

func TestSourceRejectsBadInput(t *testing.T) {
	f := newFixture(t, sandbox.Config{})
	editor := as{user: "ed", permission: "Administer"}

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/source/../etc/passwd", editor, "", "x").Code)
	assert.Equal(t, http.StatusBadRequest, f.get("/sources?pattern=[", editor).Code)
	assert.Equal(t, http.StatusNotFound, f.get("/source/missing", editor).Code)

	huge := strings.Repeat("x", utils.MaxScriptSize+1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(http.MethodPut, "/source/huge", editor, "", huge).Code)
}
