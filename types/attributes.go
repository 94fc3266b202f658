package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Attributes is an insertion-ordered map of string keys to structured values.
// Equality ignores order; encoding preserves it.
type Attributes struct {
	keys   []string
	values map[string]any
}

// NewAttributes builds Attributes from alternating key/value pairs.
func NewAttributes(kv ...any) Attributes {
	var a Attributes
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		a.Set(key, kv[i+1])
	}
	return a
}

// AttributesFromMap builds Attributes from m. Go maps have no order, so the
// result is ordered by the map's iteration order.
func AttributesFromMap(m map[string]any) Attributes {
	var a Attributes
	for k, v := range m {
		a.Set(k, v)
	}
	return a
}

// Set inserts or replaces key. Replacing keeps the original position.
func (a *Attributes) Set(key string, value any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, exists := a.values[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Get returns the value for key.
func (a Attributes) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (a Attributes) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Len returns the number of attributes.
func (a Attributes) Len() int { return len(a.keys) }

// Map returns a plain map copy. Nested maps and slices are copied too.
func (a Attributes) Map() map[string]any {
	out := make(map[string]any, len(a.keys))
	for _, k := range a.keys {
		out[k] = deepCopy(a.values[k])
	}
	return out
}

// Clone returns an independent copy, nested maps and slices included.
func (a Attributes) Clone() Attributes {
	c := Attributes{keys: a.Keys(), values: make(map[string]any, len(a.values))}
	for k, v := range a.values {
		c.values[k] = deepCopy(v)
	}
	return c
}

// deepCopy copies the container kinds attribute values are built from.
// Other values are returned as is.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case Attributes:
		return t.Clone()
	default:
		return v
	}
}

// Equal compares keys and values, ignoring order. Numbers compare by value
// regardless of their Go type, so 255 equals 255.0 decoded from JSON.
func (a Attributes) Equal(b Attributes) bool {
	if len(a.keys) != len(b.keys) {
		return false
	}
	for k, av := range a.values {
		bv, ok := b.values[k]
		if !ok || !ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the attributes as an object in insertion order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, keeping the document's key order.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = Attributes{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("attributes: expected object, got %v", tok)
	}
	out := Attributes{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("attributes: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		out.Set(key, normalizeNumbers(v))
	}
	*a = out
	return nil
}

// normalizeNumbers turns json.Number into int64 when integral, else float64.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

// ValuesEqual compares two structured values treating all numeric kinds
// as comparable by value.
func ValuesEqual(a, b any) bool {
	if af, ok := ToFloat(a); ok {
		bf, ok := ToFloat(b)
		return ok && af == bf
	}
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !ValuesEqual(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !ValuesEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case Attributes:
		bt, ok := b.(Attributes)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
