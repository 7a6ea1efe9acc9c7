package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Value is a sealed interface over the field value types the core accepts.
// Only Null, Int, Bool, String, List, and Object implement it.
// There is NO float variant - floats break deterministic event encoding,
// and no field kind in the domain model carries one (decimals travel as
// fixed-point strings).
type Value interface {
	value() // Sealed - only these types implement it
}

// Null represents an explicit null. A field staged to Null is distinct from
// a field that is absent: Null means "set to null", absence means "unset".
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Int represents an integer value. Always int64, never float64.
type Int int64

func (Int) value() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) value() {}

// String represents a string value.
type String string

func (String) value() {}

// List represents an ordered list of values. Relation lists carry set
// semantics on top of the order, which is preserved for determinism.
type List []Value

func (List) value() {}

// Object represents a map of field names to values. A partial instance is
// an Object; nested json-kind fields are Objects too.
type Object map[string]Value

func (Object) value() {}

// SortedKeys returns the object's keys in lexicographic byte order.
// Use for deterministic iteration.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue returns a deep copy of a value.
func CloneValue(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	case Object:
		return val.Clone()
	default:
		return v
	}
}

// Equal reports whether two values are structurally equal.
// nil (absent) equals nil; Null equals Null but not nil.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, present := bv[k]
			if !present || !Equal(v, bval) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// IsNull reports whether v is the explicit Null value.
func IsNull(v Value) bool {
	_, ok := v.(Null)
	return ok
}

// IsEmpty reports whether v counts as empty for required-field and
// template-mirror purposes: absent, Null, or a zero-length list.
func IsEmpty(v Value) bool {
	if v == nil || IsNull(v) {
		return true
	}
	if l, ok := v.(List); ok {
		return len(l) == 0
	}
	return false
}

// Ints extracts a list of integers from v. A single Int yields a singleton.
// Returns false when v is absent, Null, or contains a non-integer element.
func Ints(v Value) ([]int, bool) {
	switch val := v.(type) {
	case Int:
		return []int{int(val)}, true
	case List:
		out := make([]int, 0, len(val))
		for _, elem := range val {
			n, ok := elem.(Int)
			if !ok {
				return nil, false
			}
			out = append(out, int(n))
		}
		return out, true
	default:
		return nil, false
	}
}

// Strings extracts a list of strings from v. A single String yields a
// singleton. Returns false when v is absent, Null, or mixed-typed.
func Strings(v Value) ([]string, bool) {
	switch val := v.(type) {
	case String:
		return []string{string(val)}, true
	case List:
		out := make([]string, 0, len(val))
		for _, elem := range val {
			s, ok := elem.(String)
			if !ok {
				return nil, false
			}
			out = append(out, string(s))
		}
		return out, true
	default:
		return nil, false
	}
}

// IntList builds a List of Int values.
func IntList(ids ...int) List {
	out := make(List, len(ids))
	for i, id := range ids {
		out[i] = Int(int64(id))
	}
	return out
}

// StringList builds a List of String values.
func StringList(ss ...string) List {
	out := make(List, len(ss))
	for i, s := range ss {
		out[i] = String(s)
	}
	return out
}

// FromGo converts a decoded JSON value (as produced by encoding/json with
// json.Number enabled) into a Value. Floats are rejected.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("non-integer number %q: floats are not accepted", val.String())
		}
		return Int(n), nil
	case float64:
		return nil, fmt.Errorf("float value %v: floats are not accepted", val)
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ToGo converts a Value back into plain Go types for encoding/json.
func ToGo(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case String:
		return string(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	default:
		return nil
	}
}

// UnmarshalJSON decodes a JSON object into an Object, rejecting floats.
func (o *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := newNumberDecoder(data)
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	conv, err := FromGo(raw)
	if err != nil {
		return err
	}
	obj, ok := conv.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object")
	}
	*o = obj
	return nil
}

// MarshalJSON encodes an Object with plain encoding/json semantics.
// For deterministic output use MarshalCanonical instead.
func (o Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToGo(o))
}
