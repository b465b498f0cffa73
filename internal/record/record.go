// Package record defines the ordered document type that flows through the sink.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingKey reports that a record lacks a field required by a key filter.
var ErrMissingKey = errors.New("record is missing key field")

// Field is a single named value inside a Record.
type Field struct {
	Key   string
	Value any
}

// Record is an ordered mapping of field name to value. Nested objects decoded
// from JSON are Records as well, arrays are []any.
type Record []Field

// FromMap builds a Record from m using the key order given in keys. Keys not
// present in m are skipped.
func FromMap(m map[string]any, keys ...string) Record {
	out := make(Record, 0, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out = append(out, Field{Key: k, Value: v})
		}
	}
	return out
}

// Get returns the value stored under key.
func (r Record) Get(key string) (any, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of key in place, or appends it when absent.
func (r *Record) Set(key string, value any) {
	for i := range *r {
		if (*r)[i].Key == key {
			(*r)[i].Value = value
			return
		}
	}
	*r = append(*r, Field{Key: key, Value: value})
}

// Keys lists field names in order.
func (r Record) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Key
	}
	return keys
}

// Clone returns a copy whose top-level fields can be modified without
// affecting r. Nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	copy(out, r)
	return out
}

// KeyFilter extracts the given fields, in order, into a new Record suitable
// for use as an upsert filter.
func (r Record) KeyFilter(keys []string) (Record, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("key filter: no key fields given")
	}
	filter := make(Record, 0, len(keys))
	for _, k := range keys {
		v, ok := r.Get(k)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingKey, k)
		}
		filter = append(filter, Field{Key: k, Value: v})
	}
	return filter, nil
}

// MarshalJSON encodes the record as a JSON object preserving field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", f.Key, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the order fields appear in.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode record: expected object, got %v", tok)
	}
	out, err := decodeObject(dec)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	*r = out
	return nil
}

// decodeObject reads fields until the closing brace; the opening brace has
// already been consumed.
func decodeObject(dec *json.Decoder) (Record, error) {
	out := Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out = append(out, Field{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return decodeObject(dec)
		case '[':
			arr := []any{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", v)
		}
	case json.Number:
		return decodeNumber(v)
	default:
		return v, nil
	}
}

// decodeNumber keeps integers exact: int64 when it fits, then uint64, and
// json.Number for wider integer literals. Only literals with a fraction or
// exponent become float64.
func decodeNumber(n json.Number) (any, error) {
	lit := n.String()
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(lit, 10, 64); err == nil {
		return u, nil
	}
	if !strings.ContainsAny(lit, ".eE") {
		return n, nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("parse number %q: %w", lit, err)
	}
	return f, nil
}
