// Package fields defines the typed field values carried by queued write
// operations. Each value is serialized with an explicit type tag so that a
// queued operation replayed after a process restart reconstructs exactly the
// value the caller enqueued; nothing is guessed back from a bare string.
//
// Values are internally tagged on the wire, in the style of libSQL's Hrana
// value encoding: {"type":"text","value":"..."}. Integers travel as decimal
// strings to survive JSON number coercion.
package fields

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind discriminates the value variant.
type Kind string

const (
	KindString Kind = "text"
	KindInt    Kind = "integer"
	KindFloat  Kind = "float"
	KindBool   Kind = "boolean"
)

// Value is a tagged scalar. The zero Value is the empty string.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	b    bool
}

// String constructs a text value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int constructs an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Float constructs a floating-point value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Bool constructs a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Coerce maps a loosely typed Go value onto the variant. Unsupported types
// fall back to their fmt.Sprintf representation as text.
func Coerce(v any) Value {
	switch val := v.(type) {
	case nil:
		return String("")
	case string:
		return String(val)
	case int:
		return Int(int64(val))
	case int32:
		return Int(int64(val))
	case int64:
		return Int(val)
	case uint:
		if val > math.MaxInt64 {
			return String(strconv.FormatUint(uint64(val), 10))
		}
		return Int(int64(val))
	case uint64:
		if val > math.MaxInt64 {
			return String(strconv.FormatUint(val, 10))
		}
		return Int(int64(val))
	case float32:
		return Float(float64(val))
	case float64:
		return Float(val)
	case bool:
		return Bool(val)
	default:
		return String(fmt.Sprintf("%v", val))
	}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindString
	}
	return v.kind
}

// AsString returns the text form of the value, whatever its kind.
func (v Value) AsString() string {
	switch v.Kind() {
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.str
	}
}

// AsInt returns the integer payload; ok is false for other kinds.
func (v Value) AsInt() (int64, bool) { return v.num, v.Kind() == KindInt }

// AsFloat returns the float payload; ok is false for other kinds.
func (v Value) AsFloat() (float64, bool) { return v.flt, v.Kind() == KindFloat }

// AsBool returns the boolean payload; ok is false for other kinds.
func (v Value) AsBool() (bool, bool) { return v.b, v.Kind() == KindBool }

// Native returns the value as the loosely typed Go scalar it was built from.
func (v Value) Native() any {
	switch v.Kind() {
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.b
	default:
		return v.str
	}
}

type wireValue struct {
	Type  Kind   `json:"type"`
	Value string `json:"value"`
}

// MarshalJSON emits the internally tagged form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{Type: v.Kind(), Value: v.AsString()})
}

// UnmarshalJSON parses the internally tagged form. An unknown tag is an
// error rather than a silent text fallback: a queue blob written by a newer
// format must not be replayed half-understood.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode field value: %w", err)
	}
	switch w.Type {
	case KindString, "":
		*v = String(w.Value)
	case KindInt:
		n, err := strconv.ParseInt(w.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("decode integer field %q: %w", w.Value, err)
		}
		*v = Int(n)
	case KindFloat:
		f, err := strconv.ParseFloat(w.Value, 64)
		if err != nil {
			return fmt.Errorf("decode float field %q: %w", w.Value, err)
		}
		*v = Float(f)
	case KindBool:
		b, err := strconv.ParseBool(w.Value)
		if err != nil {
			return fmt.Errorf("decode boolean field %q: %w", w.Value, err)
		}
		*v = Bool(b)
	default:
		return fmt.Errorf("unknown field value type %q", w.Type)
	}
	return nil
}

// Field is one named value. Maps are kept as ordered slices so a replayed
// operation presents fields in the order the caller supplied them.
type Field struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Map is an ordered field list. Only flat scalar maps are supported; queued
// operations never carry nested structures.
type Map []Field

// FromNative builds a Map from name/value pairs, coercing loosely typed
// scalars. Order follows the pairs slice, not Go map iteration.
func FromNative(pairs []Field) Map {
	out := make(Map, len(pairs))
	copy(out, pairs)
	return out
}

// Set appends or replaces the named field, preserving position on replace.
func (m Map) Set(name string, v Value) Map {
	for i := range m {
		if m[i].Name == name {
			m[i].Value = v
			return m
		}
	}
	return append(m, Field{Name: name, Value: v})
}

// Get returns the named value.
func (m Map) Get(name string) (Value, bool) {
	for _, f := range m {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Native flattens the map to map[string]any for handing to a remote client.
func (m Map) Native() map[string]any {
	out := make(map[string]any, len(m))
	for _, f := range m {
		out[f.Name] = f.Value.Native()
	}
	return out
}
