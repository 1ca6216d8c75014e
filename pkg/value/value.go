// Package value converts arbitrary Go values into JSON-safe value trees.
//
// Instrumented applications hand the relay whatever they log, dispatch or
// store: pointers with cycles, errors, timestamps, compiled patterns,
// functions. Sanitize turns any of these into a Value, a tagged sum type
// that always marshals to valid JSON and never panics while doing so.
//
// ComputeStateDiff compares two sanitized state snapshots and reports the
// changed paths.
package value

import (
	"math"
	"math/big"
	"strconv"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindText
	KindList
	KindMap
	KindCircular
	KindUnserializable
)

// Marker strings used on the wire for the two non-data kinds.
const (
	CircularMarker       = "[Circular]"
	UnserializableMarker = "[Unable to serialize]"
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindCircular:
		return "circular"
	case KindUnserializable:
		return "unserializable"
	default:
		return "unknown"
	}
}

// Value is an immutable JSON-safe value. The zero Value is Null.
type Value struct {
	kind   Kind
	b      bool
	num    string // canonical JSON number text
	s      string
	list   []Value
	keys   []string
	fields map[string]Value
}

// Field is one key/value entry of a map Value.
type Field struct {
	Key   string
	Value Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns a numeric Value holding i exactly.
func Int(i int64) Value { return Value{kind: KindNumber, num: strconv.FormatInt(i, 10)} }

// Uint returns a numeric Value holding u exactly.
func Uint(u uint64) Value { return Value{kind: KindNumber, num: strconv.FormatUint(u, 10)} }

// Float returns a numeric Value. NaN and infinities have no JSON form and
// become Null.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return Value{kind: KindNumber, num: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Text returns a string Value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// List returns a list Value holding items in order.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// MapOf returns a map Value. Key order is preserved; a repeated key keeps
// its first position and its last value.
func MapOf(fields ...Field) Value {
	v := Value{kind: KindMap, keys: make([]string, 0, len(fields)), fields: make(map[string]Value, len(fields))}
	for _, f := range fields {
		if _, dup := v.fields[f.Key]; !dup {
			v.keys = append(v.keys, f.Key)
		}
		v.fields[f.Key] = f.Value
	}
	return v
}

// Circular returns the marker that replaces a re-encountered composite.
func Circular() Value { return Value{kind: KindCircular} }

// Unserializable returns the marker for a value that could not be read.
func Unserializable() Value { return Value{kind: KindUnserializable} }

// Kind reports the tag of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean held by v, false for other kinds.
func (v Value) Bool() bool { return v.b }

// Number returns the number held by v as a float64, 0 for other kinds.
func (v Value) Number() float64 {
	if v.kind != KindNumber {
		return 0
	}
	f, _ := strconv.ParseFloat(v.num, 64)
	return f
}

// Text returns the string held by v. Marker kinds return their marker.
func (v Value) Text() string {
	switch v.kind {
	case KindText:
		return v.s
	case KindCircular:
		return CircularMarker
	case KindUnserializable:
		return UnserializableMarker
	}
	return ""
}

// Len returns the number of list items or map keys.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.keys)
	}
	return 0
}

// Index returns the i-th list item.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Null()
	}
	return v.list[i]
}

// Items returns a copy of the list items.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.list...)
}

// Keys returns the map keys in order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Get returns the value stored under key in a map Value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null(), false
	}
	f, ok := v.fields[key]
	return f, ok
}

// Has reports whether a map Value holds key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// composite reports whether v is a list or a map.
func (v Value) composite() bool {
	return v.kind == KindList || v.kind == KindMap
}

// Interface converts v into plain Go values: nil, bool, float64, string,
// []any and map[string]any. Markers become their marker strings.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.Number()
	case KindText, KindCircular, KindUnserializable:
		return v.Text()
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.fields[k].Interface()
		}
		return out
	}
	return nil
}

// Equal reports whether a and b are deeply equal. Map key order is
// ignored; numbers compare by exact decimal value, so 1 equals 1.0 and
// integers beyond float64 precision stay distinct.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull, KindCircular, KindUnserializable:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.num == b.num || sameNumber(a.num, b.num)
	case KindText:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.keys) != len(b.keys) {
			return false
		}
		for _, k := range a.keys {
			bv, ok := b.fields[k]
			if !ok || !Equal(a.fields[k], bv) {
				return false
			}
		}
		return true
	}
	return false
}

// sameNumber compares two JSON number texts exactly.
func sameNumber(a, b string) bool {
	x, ok := new(big.Rat).SetString(a)
	if !ok {
		return false
	}
	y, ok := new(big.Rat).SetString(b)
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}
