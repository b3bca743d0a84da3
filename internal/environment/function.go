package environment

import (
	"strings"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

// Permission is a caller's access level on an object.
type Permission int

const (
	None Permission = iota
	Read
	Write
	Administer
)

var permissionNames = [...]string{"None", "Read", "Write", "Administer"}

func (p Permission) String() string {
	if p < None || p > Administer {
		return "Unknown"
	}
	return permissionNames[p]
}

// ParsePermission parses a permission name, case-insensitively.
func ParsePermission(s string) (Permission, bool) {
	for i, name := range permissionNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Permission(i), true
		}
	}
	return None, false
}

// CallingConvention is how a web request's arguments reach a function.
type CallingConvention string

const (
	CallGET        CallingConvention = "GET"
	CallGETForm    CallingConvention = "GET_application_x_www_form_urlencoded"
	CallPOSTForm   CallingConvention = "POST_application_x_www_form_urlencoded"
	CallPOSTString CallingConvention = "POST_string"
)

func parseCallingConvention(s string) (CallingConvention, bool) {
	for _, c := range []CallingConvention{CallGET, CallGETForm, CallPOSTForm, CallPOSTString} {
		if strings.EqualFold(s, string(c)) {
			return c, true
		}
	}
	return "", false
}

// HTTPMethod returns the HTTP verb the convention is served on.
func (c CallingConvention) HTTPMethod() string {
	if strings.HasPrefix(string(c), "POST") {
		return "POST"
	}
	return "GET"
}

// ReturnConvention is how a function's result becomes a web response.
type ReturnConvention string

const (
	Primitive        ReturnConvention = "Primitive"
	JSON             ReturnConvention = "JSON"
	JavaScriptObject ReturnConvention = "JavaScriptObject"
	Status           ReturnConvention = "Status"
)

func parseReturnConvention(s string) (ReturnConvention, bool) {
	for _, c := range []ReturnConvention{Primitive, JSON, JavaScriptObject, Status} {
		if strings.EqualFold(s, string(c)) {
			return c, true
		}
	}
	return "", false
}

// Parser converts a raw web argument before it is passed to the guest.
type Parser string

const (
	NoParsing   Parser = ""
	ParseNumber Parser = "number"
	ParseBool   Parser = "bool"
	ParseJSON   Parser = "JSON"
)

// Function is a web-callable guest function and its declared metadata.
type Function struct {
	Name              string
	Convention        CallingConvention
	MinimumPermission Permission
	MinimumLocal      Permission
	ReturnConvention  ReturnConvention
	NamedPermissions  []string
	Parameters        []string
	Parsers           map[string]Parser
}

// newFunction reads the properties a script attached to a function. Only
// functions with a supported webCallable convention qualify.
func newFunction(desc protocol.FunctionDescriptor) (*Function, bool) {
	callable := desc.Property("webCallable")
	if callable.IsUndefined() {
		return nil, false
	}
	convention, ok := parseCallingConvention(callable.Text())
	if !ok {
		return nil, false
	}

	fn := &Function{
		Name:              desc.Name,
		Convention:        convention,
		MinimumPermission: Administer,
		MinimumLocal:      Administer,
		ReturnConvention:  Primitive,
		Parameters:        desc.Parameters,
		Parsers:           make(map[string]Parser),
	}

	if p, ok := ParsePermission(desc.Property("minimumWebPermission").Text()); ok {
		fn.MinimumPermission = p
	}
	if p, ok := ParsePermission(desc.Property("minimumLocalPermission").Text()); ok {
		fn.MinimumLocal = p
	}
	if rc, ok := parseReturnConvention(desc.Property("webReturnConvention").Text()); ok {
		fn.ReturnConvention = rc
	}
	if named := desc.Property("namedPermissions"); named.Kind() == protocol.KindString {
		fn.NamedPermissions = splitCommaSeparated(named.Str())
	}
	for _, param := range desc.Parameters {
		switch Parser(desc.Property("parser_" + param).Text()) {
		case ParseNumber:
			fn.Parsers[param] = ParseNumber
		case ParseBool:
			fn.Parsers[param] = ParseBool
		case ParseJSON:
			fn.Parsers[param] = ParseJSON
		}
	}
	return fn, true
}

// minimum returns the permission required for a call from the web or from
// another object on the same host.
func (f *Function) minimum(local bool) Permission {
	if local {
		return f.MinimumLocal
	}
	return f.MinimumPermission
}

// wrapperEntry is the client-visible description of a function.
type wrapperEntry struct {
	Method            string   `json:"method"`
	Convention        string   `json:"callingConvention"`
	MinimumPermission string   `json:"minimumWebPermission"`
	ReturnConvention  string   `json:"webReturnConvention"`
	Parameters        []string `json:"parameters"`
}

func (f *Function) wrapperEntry() wrapperEntry {
	params := f.Parameters
	if params == nil {
		params = []string{}
	}
	return wrapperEntry{
		Method:            f.Convention.HTTPMethod(),
		Convention:        string(f.Convention),
		MinimumPermission: f.MinimumPermission.String(),
		ReturnConvention:  string(f.ReturnConvention),
		Parameters:        params,
	}
}

func splitCommaSeparated(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
