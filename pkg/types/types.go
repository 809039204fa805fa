package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Field is a single sensor value inside a reading.
type Field struct {
	ID    string
	Value float64
}

// Values is an insertion-ordered mapping of sensor id to value.
// Keys are unique; setting an existing key replaces its value in place.
type Values struct {
	fields []Field
	index  map[string]int
}

// NewValues creates an empty Values with room for n sensors.
func NewValues(n int) *Values {
	return &Values{
		fields: make([]Field, 0, n),
		index:  make(map[string]int, n),
	}
}

// ValuesFromMap builds Values from a map. Map iteration order is random, so
// callers that care about column order should use Set directly.
func ValuesFromMap(m map[string]float64) *Values {
	v := NewValues(len(m))
	for id, val := range m {
		v.Set(id, val)
	}
	return v
}

// Set inserts or replaces the value for id.
func (v *Values) Set(id string, value float64) {
	if v.index == nil {
		v.index = make(map[string]int)
	}
	if i, ok := v.index[id]; ok {
		v.fields[i].Value = value
		return
	}
	v.index[id] = len(v.fields)
	v.fields = append(v.fields, Field{ID: id, Value: value})
}

// Get returns the value for id.
func (v *Values) Get(id string) (float64, bool) {
	if v == nil {
		return 0, false
	}
	i, ok := v.index[id]
	if !ok {
		return 0, false
	}
	return v.fields[i].Value, true
}

// Len returns the number of sensors.
func (v *Values) Len() int {
	if v == nil {
		return 0
	}
	return len(v.fields)
}

// Keys returns sensor ids in insertion order.
func (v *Values) Keys() []string {
	if v == nil {
		return nil
	}
	keys := make([]string, len(v.fields))
	for i, f := range v.fields {
		keys[i] = f.ID
	}
	return keys
}

// Fields returns a copy of the fields in insertion order.
func (v *Values) Fields() []Field {
	if v == nil {
		return nil
	}
	out := make([]Field, len(v.fields))
	copy(out, v.fields)
	return out
}

// Clone returns a deep copy.
func (v *Values) Clone() *Values {
	if v == nil {
		return NewValues(0)
	}
	c := NewValues(len(v.fields))
	for _, f := range v.fields {
		c.Set(f.ID, f.Value)
	}
	return c
}

// Equal reports whether both mappings hold the same keys in the same order
// with identical values.
func (v *Values) Equal(o *Values) bool {
	if v.Len() != o.Len() {
		return false
	}
	for i := range v.Fields() {
		a, b := v.fields[i], o.fields[i]
		if a.ID != b.ID {
			return false
		}
		if a.Value != b.Value && !(math.IsNaN(a.Value) && math.IsNaN(b.Value)) {
			return false
		}
	}
	return true
}

// MarshalJSON writes the values as a JSON object in insertion order.
// Non-finite values cannot be represented and produce an error.
func (v *Values) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range v.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.ID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("sensor %q: %w", f.ID, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object of numbers, keeping the key order.
func (v *Values) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*v = Values{index: map[string]int{}}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("values: expected object, got %v", tok)
	}

	out := NewValues(0)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("values: expected key, got %v", kt)
		}
		vt, err := dec.Token()
		if err != nil {
			return err
		}
		num, ok := vt.(json.Number)
		if !ok {
			return fmt.Errorf("values: sensor %q is not numeric", key)
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("values: sensor %q: %w", key, err)
		}
		out.Set(key, f)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*v = *out
	return nil
}

// Reading is one timestamped snapshot of sensor values.
type Reading struct {
	Timestamp time.Time
	Values    *Values
}

// Key returns the storage key of the reading.
func (r Reading) Key() float64 {
	return Key(r.Timestamp)
}

// Key converts a timestamp into its storage key: seconds since the epoch as a
// real number.
func Key(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// TimeFromKey converts a storage key back into a timestamp, rounded to the
// microsecond.
func TimeFromKey(k float64) time.Time {
	sec, frac := math.Modf(k)
	usec := math.Round(frac * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UTC()
}
