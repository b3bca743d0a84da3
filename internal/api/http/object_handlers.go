package http

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/scripthost/internal/api/middleware"
	"github.com/GriffinCanCode/scripthost/internal/environment"
	"github.com/GriffinCanCode/scripthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/scripthost/internal/sandbox"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

const formContentType = "application/x-www-form-urlencoded"

// functionView is the JSON form of a web-callable function.
type functionView struct {
	Name              string            `json:"name"`
	CallingConvention string            `json:"callingConvention"`
	HTTPMethod        string            `json:"httpMethod"`
	MinimumPermission string            `json:"minimumWebPermission"`
	ReturnConvention  string            `json:"webReturnConvention"`
	NamedPermissions  []string          `json:"namedPermissions,omitempty"`
	Parameters        []string          `json:"parameters"`
	Parsers           map[string]string `json:"parsers,omitempty"`
}

func viewOf(fn *environment.Function) functionView {
	v := functionView{
		Name:              fn.Name,
		CallingConvention: string(fn.Convention),
		HTTPMethod:        fn.Convention.HTTPMethod(),
		MinimumPermission: fn.MinimumPermission.String(),
		ReturnConvention:  string(fn.ReturnConvention),
		NamedPermissions:  fn.NamedPermissions,
		Parameters:        fn.Parameters,
	}
	if v.Parameters == nil {
		v.Parameters = []string{}
	}
	for param, parser := range fn.Parsers {
		if v.Parsers == nil {
			v.Parsers = make(map[string]string)
		}
		v.Parsers[param] = string(parser)
	}
	return v
}

// environmentFor resolves the object named by the route's path parameter.
func (h *Handlers) environmentFor(c *gin.Context) (*environment.Environment, bool) {
	path, err := utils.CleanObjectPath(c.Param("path"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	env, err := h.manager.Environment(c.Request.Context(), path)
	if err != nil {
		h.abortWithError(c, err)
		return nil, false
	}
	c.Header(middleware.HeaderLastModified, env.JavascriptLastModified().UTC().Format(http.TimeFormat))
	return env, true
}

// request builds the dispatch request from the HTTP request.
func (h *Handlers) request(c *gin.Context) (*environment.Request, error) {
	caller, _ := middleware.CallerFrom(c)
	req := &environment.Request{
		User:             caller.User,
		Permission:       caller.Permission,
		NamedPermissions: caller.NamedPermissions,
		HTTPMethod:       c.Request.Method,
		Query:            firstValues(c.Request.URL.Query()),
	}

	if c.Request.Method != http.MethodPost || c.Request.Body == nil {
		return req, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, utils.MaxArgumentSize))
	if err != nil {
		return nil, err
	}
	req.Body = string(body)
	if strings.HasPrefix(c.ContentType(), formContentType) {
		form, err := url.ParseQuery(req.Body)
		if err != nil {
			return nil, err
		}
		req.Form = firstValues(form)
	}
	return req, nil
}

func firstValues(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// Invoke dispatches a web request to the function named by its Method
// argument.
func (h *Handlers) Invoke(c *gin.Context) {
	env, ok := h.environmentFor(c)
	if !ok {
		return
	}

	req, err := h.request(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := req.Method()
	if err := utils.ValidateFunctionName(name); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if span := tracing.SpanFromContext(c.Request.Context()); span != nil {
		span.SetTag("object", env.Path())
		span.SetTag("function", name)
		span.SetTag("user", req.User)
	}

	done := h.metrics.TrackDispatch()
	dispatch, ok := env.GetMethod(c.Request.Context(), req)
	if !ok {
		done(sandbox.ErrUnknownFunction)
		if errs := env.ExecutionEnvironmentErrors(); errs != "" && req.Permission >= environment.Administer {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errs})
			return
		}
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": name + " is not a web-callable function"})
		return
	}

	resp, err := dispatch(c.Request.Context(), req)
	done(err)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	writeResponse(c, resp)
}

func writeResponse(c *gin.Context, resp *environment.Response) {
	if resp.ContentType == "" && len(resp.Body) == 0 {
		c.Status(resp.Status)
		return
	}
	c.Data(resp.Status, resp.ContentType, resp.Body)
}

// Wrapper serves the client-side JavaScript wrapper for an object. Clients
// revalidate with If-Modified-Since.
func (h *Handlers) Wrapper(c *gin.Context) {
	env, ok := h.environmentFor(c)
	if !ok {
		return
	}

	modified := env.JavascriptLastModified().UTC().Truncate(time.Second)
	if since, err := http.ParseTime(c.GetHeader("If-Modified-Since")); err == nil && !modified.After(since) {
		c.Status(http.StatusNotModified)
		return
	}

	caller, _ := middleware.CallerFrom(c)
	lines, err := env.GenerateJavascriptWrapper(c.Request.Context(), &environment.Request{User: caller.User})
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.Header("Last-Modified", modified.Format(http.TimeFormat))
	c.Header("Cache-Control", "private, no-cache")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(strings.Join(lines, "\n")+"\n"))
}

// Functions lists an object's web-callable functions.
func (h *Handlers) Functions(c *gin.Context) {
	env, ok := h.environmentFor(c)
	if !ok {
		return
	}

	caller, _ := middleware.CallerFrom(c)
	fns, err := env.Functions(c.Request.Context(), caller.User)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	views := make([]functionView, len(fns))
	for i, fn := range fns {
		views[i] = viewOf(fn)
	}
	c.JSON(http.StatusOK, gin.H{"path": env.Path(), "functions": views})
}

// Info reports an object's annotations and the last error building it.
func (h *Handlers) Info(c *gin.Context) {
	env, ok := h.environmentFor(c)
	if !ok {
		return
	}

	caller, _ := middleware.CallerFrom(c)
	// Building the caller's scope refreshes the recorded errors.
	_, buildErr := env.Functions(c.Request.Context(), caller.User)

	c.JSON(http.StatusOK, gin.H{
		"path":                       env.Path(),
		"javascriptLastModified":     env.JavascriptLastModified().UTC(),
		"annotations":                env.Annotations(),
		"executionEnvironmentErrors": env.ExecutionEnvironmentErrors(),
		"healthy":                    buildErr == nil,
	})
}
