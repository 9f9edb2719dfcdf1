// Package metadata models the open key/value metadata attached to memories.
// Values are a closed tagged union (string, number, bool, list, map) so the
// store boundary serializes them explicitly instead of guessing from JSON
// strings at read time.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "unknown"
}

// Value is one metadata value. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	obj  map[string]Value
}

// Null is the null metadata value.
var Null = Value{}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Int wraps an integer as a number value.
func Int(n int) Value { return Number(float64(n)) }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List wraps a list of values.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Object wraps a nested map of values.
func Object(m map[string]Value) Value { return Value{kind: KindMap, obj: m} }

// Kind returns the variant held by the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string variant ("" when not a string).
func (v Value) Str() string { return v.str }

// Num returns the number variant (0 when not a number).
func (v Value) Num() float64 { return v.num }

// BoolVal returns the bool variant (false when not a bool).
func (v Value) BoolVal() bool { return v.b }

// ListVal returns the list variant (nil when not a list).
func (v Value) ListVal() []Value { return v.list }

// MapVal returns the map variant (nil when not a map).
func (v Value) MapVal() map[string]Value { return v.obj }

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
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
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, vv := range v.obj {
			ov, ok := o.obj[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	}
	return nil, fmt.Errorf("unknown metadata kind %d", v.kind)
}

// UnmarshalJSON parses plain JSON into the tagged union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a JSON-decoded interface value into a Value.
func FromAny(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case []interface{}:
		list := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null, err
			}
			list = append(list, v)
		}
		return Value{kind: KindList, list: list}, nil
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null, err
			}
			obj[k] = v
		}
		return Value{kind: KindMap, obj: obj}, nil
	}
	return Null, fmt.Errorf("unsupported metadata type %T", raw)
}

// ToAny converts the value back to plain Go types (inverse of FromAny).
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.ToAny()
		}
		return out
	}
	return nil
}

// flatString renders a value for the flat payload of the vector index.
// Scalars keep their natural text form; nested values become a JSON string.
func (v Value) flatString() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(buf)
	}
}

// Map is a top-level metadata map.
type Map map[string]Value

// FromJSON parses a canonical JSON object into a Map. Empty input yields an
// empty map.
func FromJSON(data []byte) (Map, error) {
	if len(data) == 0 {
		return Map{}, nil
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if v.IsNull() {
		return Map{}, nil
	}
	if v.kind != KindMap {
		return nil, fmt.Errorf("metadata must be a JSON object, got %s", v.kind)
	}
	m := Map{}
	for k, item := range v.obj {
		m[k] = item
	}
	return m, nil
}

// ToJSON renders the map as canonical JSON. A nil map renders as {}.
func (m Map) ToJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(m))
}

// Flatten renders the map as flat string key/values for a vector index
// payload. Nested lists and maps are serialized to JSON strings because the
// index only accepts scalar payload values.
func (m Map) Flatten() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.flatString()
	}
	return out
}

// Clone returns a shallow copy of the map (values are immutable by
// convention, so sharing them is fine).
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports deep equality of two maps.
func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys returns the map's keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
