package value

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxDepth bounds how deep Sanitize descends. Composites nested deeper are
// replaced by the unserializable marker.
const MaxDepth = 50

// Element is implemented by host objects that represent a tagged node,
// such as a parsed HTML element. Sanitize renders them as "[TAG]".
type Element interface {
	TagName() string
}

var (
	valueType     = reflect.TypeOf(Value{})
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	elementType   = reflect.TypeOf((*Element)(nil)).Elem()
	marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textType      = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	timeType      = reflect.TypeOf(time.Time{})
	regexpType    = reflect.TypeOf(&regexp.Regexp{})
)

// identity is how a composite is recognised when it is reached again.
type identity struct {
	typ reflect.Type
	ptr uintptr
	len int
}

type sanitizer struct {
	seen map[identity]struct{}
}

// Sanitize converts v into a JSON-safe Value. It never panics.
//
// Every composite (pointer, map, non-empty slice) is remembered for the
// duration of the call; reaching one again, through a cycle or a shared
// reference, yields the Circular marker. A panic while reading one map
// key or struct field replaces only that entry with the Unserializable
// marker.
func Sanitize(v any) (out Value) {
	defer func() {
		if r := recover(); r != nil {
			out = Unserializable()
		}
	}()
	s := &sanitizer{seen: make(map[identity]struct{})}
	return s.walk(reflect.ValueOf(v), 0)
}

// SanitizeAll sanitizes each argument, preserving order.
func SanitizeAll(args []any) []Value {
	out := make([]Value, len(args))
	for i, a := range args {
		out[i] = Sanitize(a)
	}
	return out
}

func (s *sanitizer) walk(rv reflect.Value, depth int) Value {
	if !rv.IsValid() {
		return Null()
	}
	if depth > MaxDepth {
		return Unserializable()
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return s.walk(rv.Elem(), depth)
	case reflect.Pointer:
		if rv.IsNil() {
			return Null()
		}
		if s.visit(identity{typ: rv.Type(), ptr: rv.Pointer()}) {
			return Circular()
		}
		if special, ok := s.special(rv); ok {
			return special
		}
		return s.walk(rv.Elem(), depth)
	case reflect.Map:
		if rv.IsNil() {
			return Null()
		}
		if s.visit(identity{typ: rv.Type(), ptr: rv.Pointer()}) {
			return Circular()
		}
		if special, ok := s.special(rv); ok {
			return special
		}
		return s.walkMap(rv, depth)
	case reflect.Slice:
		if rv.IsNil() {
			return List()
		}
		if rv.Len() > 0 && s.visit(identity{typ: rv.Type(), ptr: rv.Pointer(), len: rv.Len()}) {
			return Circular()
		}
		if special, ok := s.special(rv); ok {
			return special
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytesValue(rv.Bytes())
		}
		return s.walkList(rv, depth)
	}

	if special, ok := s.special(rv); ok {
		return special
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Uint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float())
	case reflect.Complex64, reflect.Complex128:
		return Text(fmt.Sprint(rv.Complex()))
	case reflect.String:
		return Text(rv.String())
	case reflect.Array:
		return s.walkList(rv, depth)
	case reflect.Struct:
		return s.walkStruct(rv, depth)
	case reflect.Func:
		if rv.IsNil() {
			return Null()
		}
		return Text("[Function: " + funcName(rv) + "]")
	case reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return Null()
		}
		return Text("[" + rv.Type().String() + "]")
	}
	return Unserializable()
}

// visit marks id as seen and reports whether it had been seen before.
func (s *sanitizer) visit(id identity) bool {
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	return false
}

// special handles values with a structured representation of their own.
func (s *sanitizer) special(rv reflect.Value) (Value, bool) {
	t := rv.Type()
	if !rv.CanInterface() {
		return Value{}, false
	}
	switch {
	case t == valueType:
		return rv.Interface().(Value), true
	case t == timeType:
		return Text(isoTime(rv.Interface().(time.Time))), true
	case t == regexpType:
		return Text("/" + rv.Interface().(*regexp.Regexp).String() + "/"), true
	case t.Implements(errorType):
		return errorValue(rv.Interface().(error)), true
	case t.Implements(elementType):
		tag := rv.Interface().(Element).TagName()
		if tag == "" {
			tag = "Element"
		}
		return Text("[" + tag + "]"), true
	case t.Implements(marshalerType):
		b, err := rv.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return Unserializable(), true
		}
		v, err := FromJSON(b)
		if err != nil {
			return Unserializable(), true
		}
		return v, true
	}
	return Value{}, false
}

func (s *sanitizer) walkList(rv reflect.Value, depth int) Value {
	items := make([]Value, rv.Len())
	for i := range items {
		items[i] = s.walk(rv.Index(i), depth+1)
	}
	return List(items...)
}

func (s *sanitizer) walkMap(rv reflect.Value, depth int) Value {
	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries = append(entries, entry{key: mapKey(iter.Key()), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	fields := make([]Field, len(entries))
	for i, e := range entries {
		fields[i] = Field{Key: e.key, Value: s.guard(e.val, depth+1)}
	}
	return MapOf(fields...)
}

func (s *sanitizer) walkStruct(rv reflect.Value, depth int) Value {
	var fields []Field
	s.structFields(rv, depth, &fields)
	return MapOf(fields...)
}

func (s *sanitizer) structFields(rv reflect.Value, depth int, fields *[]Field) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, skip := fieldName(sf)
		if skip {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && name == "" {
			s.structFields(rv.Field(i), depth, fields)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		*fields = append(*fields, Field{Key: name, Value: s.guard(rv.Field(i), depth+1)})
	}
}

// guard sanitizes one entry, isolating a panic to that entry.
func (s *sanitizer) guard(rv reflect.Value, depth int) (out Value) {
	defer func() {
		if r := recover(); r != nil {
			out = Unserializable()
		}
	}()
	return s.walk(rv, depth)
}

// fieldName returns the JSON name from the field's tag and whether the
// field is excluded with `json:"-"`.
func fieldName(sf reflect.StructField) (string, bool) {
	tag := sf.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	return name, false
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		if tm, ok := k.Interface().(encoding.TextMarshaler); ok && k.Type().Implements(textType) {
			if b, err := tm.MarshalText(); err == nil {
				return string(b)
			}
		}
		return fmt.Sprint(k.Interface())
	}
	return k.String()
}

func errorValue(err error) Value {
	var stack string
	switch st := err.(type) {
	case interface{ StackTrace() string }:
		stack = st.StackTrace()
	case interface{ Stack() string }:
		stack = st.Stack()
	}
	return MapOf(
		Field{Key: "name", Value: Text(fmt.Sprintf("%T", err))},
		Field{Key: "message", Value: Text(err.Error())},
		Field{Key: "stack", Value: Text(stack)},
	)
}

func bytesValue(b []byte) Value {
	if utf8.Valid(b) {
		return Text(string(b))
	}
	return Text(base64.StdEncoding.EncodeToString(b))
}

// isoTime renders t the way browsers render Date#toISOString.
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// funcName returns the short name of a function, or "anonymous" for
// closures and unresolvable pointers.
func funcName(rv reflect.Value) string {
	fn := runtime.FuncForPC(rv.Pointer())
	if fn == nil {
		return "anonymous"
	}
	full := fn.Name()
	name := full[strings.LastIndex(full, ".")+1:]
	name = strings.TrimSuffix(name, "-fm")
	if name == "" || isClosureName(name) {
		return "anonymous"
	}
	return name
}

func isClosureName(name string) bool {
	rest, ok := strings.CutPrefix(name, "func")
	if !ok || rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
