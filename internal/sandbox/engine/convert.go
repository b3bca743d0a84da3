package engine

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/scripthost/internal/sandbox/protocol"
)

// maxDepth caps nesting when exporting guest objects; deeper values become null.
const maxDepth = 64

// exporter converts one guest value. Objects already exported are reused and
// an object reached again through its own properties becomes null.
type exporter struct {
	s      *scope
	active map[*goja.Object]bool
	done   map[*goja.Object]protocol.Value
}

func (s *scope) toValue(v goja.Value) protocol.Value {
	x := exporter{s: s, active: make(map[*goja.Object]bool), done: make(map[*goja.Object]protocol.Value)}
	return x.export(v, 0)
}

func (x *exporter) export(v goja.Value, depth int) protocol.Value {
	if v == nil || goja.IsUndefined(v) {
		return protocol.Undefined()
	}
	if goja.IsNull(v) || depth > maxDepth {
		return protocol.Null()
	}
	if _, ok := goja.AssertFunction(v); ok {
		return protocol.Callback(x.s.registerCallback(v.ToObject(x.s.vm)))
	}

	switch val := v.Export().(type) {
	case bool:
		return protocol.Bool(val)
	case int64:
		return protocol.Number(float64(val))
	case float64:
		return protocol.Number(val)
	case string:
		return protocol.String(val)
	case time.Time:
		return protocol.String(val.UTC().Format(time.RFC3339Nano))
	}

	obj := v.ToObject(x.s.vm)
	if out, ok := x.done[obj]; ok {
		return out
	}
	if x.active[obj] {
		return protocol.Null()
	}
	x.active[obj] = true
	defer delete(x.active, obj)

	var out protocol.Value
	if obj.ClassName() == "Array" {
		n := int(obj.Get("length").ToInteger())
		items := make([]protocol.Value, n)
		for i := 0; i < n; i++ {
			items[i] = x.export(obj.Get(strconv.Itoa(i)), depth+1)
		}
		out = protocol.List(items...)
	} else {
		fields := make(map[string]protocol.Value)
		for _, key := range obj.Keys() {
			fields[key] = x.export(obj.Get(key), depth+1)
		}
		out = protocol.Map(fields)
	}
	x.done[obj] = out
	return out
}

func (s *scope) toGoja(v protocol.Value) goja.Value {
	switch v.Kind() {
	case protocol.KindUndefined:
		return goja.Undefined()
	case protocol.KindNull:
		return goja.Null()
	case protocol.KindBool:
		return s.vm.ToValue(v.Bool())
	case protocol.KindNumber:
		return s.vm.ToValue(v.Number())
	case protocol.KindString:
		return s.vm.ToValue(v.Str())
	case protocol.KindList:
		items := make([]any, len(v.Items()))
		for i, item := range v.Items() {
			items[i] = s.toGoja(item)
		}
		return s.vm.NewArray(items...)
	case protocol.KindCallback:
		id, _ := v.CallbackID()
		if fn, ok := s.callbacks[id]; ok {
			return fn
		}
		return goja.Null()
	default:
		obj := s.vm.NewObject()
		for _, key := range v.Keys() {
			_ = obj.Set(key, s.toGoja(v.Field(key)))
		}
		return obj
	}
}

// registerCallback returns the id handed to the host for fn. Ids stay valid
// until the outermost request running on the scope finishes.
func (s *scope) registerCallback(fn *goja.Object) int64 {
	if id, ok := s.callbackIDs[fn]; ok {
		return id
	}
	s.nextCallback++
	s.callbacks[s.nextCallback] = fn
	s.callbackIDs[fn] = s.nextCallback
	return s.nextCallback
}

// releaseCallbacks forgets every registered callback. Ids are never reused.
func (s *scope) releaseCallbacks() {
	if len(s.callbacks) == 0 {
		return
	}
	clear(s.callbacks)
	clear(s.callbackIDs)
}

// describeFunctions lists enumerable global functions defined by guest
// scripts with their own properties and declared parameter names.
func (s *scope) describeFunctions() []protocol.FunctionDescriptor {
	global := s.vm.GlobalObject()
	keys := global.Keys()
	sort.Strings(keys)

	var out []protocol.FunctionDescriptor
	for _, name := range keys {
		if s.hidden[name] {
			continue
		}
		value := global.Get(name)
		if _, ok := goja.AssertFunction(value); !ok {
			continue
		}

		fn := value.ToObject(s.vm)
		desc := protocol.FunctionDescriptor{
			Name:       name,
			Parameters: parseParameters(fn.String()),
		}
		if props := fn.Keys(); len(props) > 0 {
			desc.Properties = make(map[string]protocol.Value, len(props))
			for _, prop := range props {
				desc.Properties[prop] = s.toValue(fn.Get(prop))
			}
		}
		out = append(out, desc)
	}
	return out
}

// parseParameters extracts parameter names from function source text.
func parseParameters(source string) []string {
	open := strings.IndexByte(source, '(')
	if open < 0 {
		return nil
	}

	depth := 0
	end := -1
	for i := open; i < len(source) && end < 0; i++ {
		switch source[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				end = i
			}
		}
	}
	if end < 0 {
		return nil
	}

	var params []string
	for _, part := range strings.Split(source[open+1:end], ",") {
		if i := strings.IndexByte(part, '='); i >= 0 {
			part = part[:i]
		}
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "..."))
		if part != "" {
			params = append(params, part)
		}
	}
	return params
}
