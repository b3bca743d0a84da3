package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
	// KindCallback references a guest function the host may invoke through
	// CallCallback. It is only ever produced by the engine, never decoded
	// from user data.
	KindCallback
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "undefined", "":
		return KindUndefined, nil
	case "null":
		return KindNull, nil
	case "bool":
		return KindBool, nil
	case "number":
		return KindNumber, nil
	case "string":
		return KindString, nil
	case "list":
		return KindList, nil
	case "map":
		return KindMap, nil
	case "callback":
		return KindCallback, nil
	default:
		return KindUndefined, fmt.Errorf("unknown value kind %q", s)
	}
}

// Value is a dynamically typed value crossing the host/worker boundary.
// The zero Value is Undefined, which is distinct from Null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Undefined returns the undefined sentinel.
func Undefined() Value { return Value{} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps a sequence of values.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Map wraps a string-keyed map of values.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Callback references guest function id for use with CallCallback.
func Callback(id int64) Value { return Value{kind: KindCallback, n: float64(id)} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload; false for other kinds.
func (v Value) Bool() bool { return v.b }

// Number returns the numeric payload; 0 for other kinds.
func (v Value) Number() float64 { return v.n }

// Str returns the string payload; empty for other kinds.
func (v Value) Str() string { return v.s }

func (v Value) Items() []Value { return v.list }

func (v Value) Fields() map[string]Value { return v.m }

// Field returns the map entry for key, or Undefined.
func (v Value) Field(key string) Value {
	if v.kind != KindMap {
		return Undefined()
	}
	return v.m[key]
}

// CallbackID reports whether v is a callback reference and returns its id.
func (v Value) CallbackID() (int64, bool) {
	if v.kind != KindCallback {
		return 0, false
	}
	return int64(v.n), true
}

// WithoutCallbacks returns v with every callback reference replaced by null.
func (v Value) WithoutCallbacks() Value {
	switch v.kind {
	case KindCallback:
		return Null()
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.WithoutCallbacks()
		}
		return List(items...)
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			m[k] = item.WithoutCallbacks()
		}
		return Map(m)
	default:
		return v
	}
}

// Text renders primitives the way a guest script would stringify them.
// Lists and maps render as JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return formatNumber(v.n)
	case KindString:
		return v.s
	case KindCallback:
		return "function"
	default:
		data, err := codec.Marshal(v.Interface())
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func formatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	case n == math.Trunc(n) && math.Abs(n) < 1e21:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
}

// Interface converts v to plain Go values: nil, bool, float64, string,
// []any and map[string]any. Undefined and callbacks convert to nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromGo converts plain Go values into a Value.
func FromGo(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Undefined(), err
		}
		return Number(f), nil
	case time.Time:
		return String(x.UTC().Format(time.RFC3339Nano)), nil
	case []Value:
		return List(x...), nil
	case []string:
		items := make([]Value, len(x))
		for i, s := range x {
			items[i] = String(s)
		}
		return List(items...), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			v, err := FromGo(item)
			if err != nil {
				return Undefined(), err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]Value:
		return Map(x), nil
	case map[string]string:
		m := make(map[string]Value, len(x))
		for k, s := range x {
			m[k] = String(s)
		}
		return Map(m), nil
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			v, err := FromGo(item)
			if err != nil {
				return Undefined(), err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Undefined(), fmt.Errorf("unsupported value type %T", in)
	}
}

// MustFromGo is FromGo for literals known to convert.
func MustFromGo(in any) Value {
	v, err := FromGo(in)
	if err != nil {
		panic(err)
	}
	return v
}

// Equal reports deep equality. NaN equals NaN so round-trips compare cleanly.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n || (math.IsNaN(v.n) && math.IsNaN(o.n))
	case KindString:
		return v.s == o.s
	case KindCallback:
		return v.n == o.n
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, item := range v.m {
			other, ok := o.m[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Keys returns the map keys in sorted order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// wireValue is the tagged JSON form: {"k":"number","v":1}.
type wireValue struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the tagged form.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}

	var (
		payload any
		err     error
	)
	switch v.kind {
	case KindBool:
		payload = v.b
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			payload = formatNumber(v.n)
		} else {
			payload = v.n
		}
	case KindString:
		payload = v.s
	case KindList:
		payload = v.list
	case KindMap:
		payload = v.m
	case KindCallback:
		payload = int64(v.n)
	default:
		return codec.Marshal(w)
	}

	if w.Value, err = codec.Marshal(payload); err != nil {
		return nil, err
	}
	return codec.Marshal(w)
}

// UnmarshalJSON decodes the tagged form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := codec.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := parseKind(w.Kind)
	if err != nil {
		return err
	}

	*v = Value{kind: kind}
	switch kind {
	case KindBool:
		return codec.Unmarshal(w.Value, &v.b)
	case KindNumber:
		if len(w.Value) > 0 && w.Value[0] == '"' {
			var s string
			if err := codec.Unmarshal(w.Value, &s); err != nil {
				return err
			}
			switch s {
			case "NaN":
				v.n = math.NaN()
			case "Infinity":
				v.n = math.Inf(1)
			case "-Infinity":
				v.n = math.Inf(-1)
			default:
				return fmt.Errorf("invalid number %q", s)
			}
			return nil
		}
		return codec.Unmarshal(w.Value, &v.n)
	case KindString:
		return codec.Unmarshal(w.Value, &v.s)
	case KindList:
		v.list = []Value{}
		return codec.Unmarshal(w.Value, &v.list)
	case KindMap:
		v.m = map[string]Value{}
		return codec.Unmarshal(w.Value, &v.m)
	case KindCallback:
		var id int64
		if err := codec.Unmarshal(w.Value, &id); err != nil {
			return err
		}
		v.n = float64(id)
	}
	return nil
}
