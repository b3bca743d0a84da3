package environment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/scripthost/internal/sandbox"
	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

// ErrBadConvention is returned when a function's calling convention cannot
// carry the request, such as POST_string on a function without exactly one
// parameter.
var ErrBadConvention = errors.New("calling convention does not fit function")

// Request is an inbound web call on an object. The permission fields are
// decided by the caller's access model before the request gets here.
type Request struct {
	User             string
	Permission       Permission
	NamedPermissions []string
	// Local marks calls from another object on the same host.
	Local bool
	// HTTPMethod is the verb the request arrived with; empty skips the check.
	HTTPMethod string
	Query map[string]string
	Form  map[string]string
	Body  string
}

// Method returns the function the request names.
func (r *Request) Method() string {
	return r.Query["Method"]
}

// Response is the web result of a dispatched call.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Dispatcher runs one resolved function call.
type Dispatcher func(ctx context.Context, req *Request) (*Response, error)

func textResponse(status int, body string) *Response {
	return &Response{Status: status, ContentType: "text/plain", Body: []byte(body)}
}

func jsonResponse(v protocol.Value) (*Response, error) {
	body, err := sonic.ConfigStd.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Response{Status: http.StatusOK, ContentType: "application/json", Body: body}, nil
}

func (f *Function) dispatch(ctx context.Context, scope *sandbox.Scope, req *Request) (*Response, error) {
	if req.HTTPMethod != "" && !strings.EqualFold(req.HTTPMethod, f.Convention.HTTPMethod()) {
		return textResponse(http.StatusMethodNotAllowed, f.Name+" must be called with "+f.Convention.HTTPMethod()), nil
	}
	if f.minimum(req.Local) > req.Permission && !hasAny(req.NamedPermissions, f.NamedPermissions) {
		return textResponse(http.StatusUnauthorized, "Permission denied"), nil
	}

	raw, err := f.arguments(req)
	if err != nil {
		return nil, err
	}

	args := make([]protocol.Value, len(f.Parameters))
	for i, param := range f.Parameters {
		value, ok := raw[param]
		if !ok {
			continue
		}
		if err := utils.ValidateArgument(param, value); err != nil {
			return textResponse(http.StatusRequestEntityTooLarge, err.Error()), nil
		}
		parsed, err := f.parse(param, value)
		if err != nil {
			return textResponse(http.StatusUnprocessableEntity, err.Error()), nil
		}
		args[i] = parsed
	}

	result, err := scope.Call(ctx, f.Name, args...)
	if err != nil {
		return nil, err
	}
	return f.respond(result)
}

// arguments selects the raw arguments the calling convention carries.
func (f *Function) arguments(req *Request) (map[string]string, error) {
	switch f.Convention {
	case CallGETForm:
		return req.Query, nil
	case CallPOSTForm:
		return req.Form, nil
	case CallPOSTString:
		if len(f.Parameters) != 1 {
			return nil, fmt.Errorf("%w: %s takes %d parameters, POST_string needs exactly one",
				ErrBadConvention, f.Name, len(f.Parameters))
		}
		return map[string]string{f.Parameters[0]: req.Body}, nil
	default:
		return nil, nil
	}
}

// parse converts a raw argument. Number and bool arguments that do not
// parse are passed through as strings.
func (f *Function) parse(param, value string) (protocol.Value, error) {
	switch f.Parsers[param] {
	case ParseNumber:
		if n, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return protocol.Number(n), nil
		}
	case ParseBool:
		if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(value))); err == nil {
			return protocol.Bool(b), nil
		}
	case ParseJSON:
		decoded, err := utils.DecodeJSON(value)
		if err == nil {
			var v protocol.Value
			if v, err = protocol.FromGo(decoded); err == nil {
				return v, nil
			}
		}
		return protocol.Undefined(), fmt.Errorf("JSON could not be parsed correctly.  Malformed JSON: %s", value)
	}
	return protocol.String(value), nil
}

// respond turns a guest result into a web response per the return convention.
func (f *Function) respond(result protocol.Value) (*Response, error) {
	switch result.Kind() {
	case protocol.KindUndefined:
		if f.ReturnConvention == JSON || f.ReturnConvention == JavaScriptObject {
			return jsonResponse(protocol.Null())
		}
		return &Response{Status: http.StatusOK}, nil
	case protocol.KindNull, protocol.KindList, protocol.KindMap:
		return jsonResponse(result)
	case protocol.KindNumber:
		if f.ReturnConvention == Status {
			if code := int(result.Number()); float64(code) == result.Number() && code >= 100 && code <= 599 {
				return &Response{Status: code}, nil
			}
		}
		return textResponse(http.StatusOK, result.Text()), nil
	default:
		return textResponse(http.StatusOK, result.Text()), nil
	}
}

func hasAny(held, accepted []string) bool {
	for _, a := range accepted {
		for _, h := range held {
			if a == h {
				return true
			}
		}
	}
	return false
}
