// Package jsonutil provides canonical JSON serialization: object keys sorted,
// compact separators, UTF-8. Canonical bytes are stable across semantically
// equal inputs, which makes them safe to hash and compare.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalMarshal serializes v with sorted object keys and no insignificant
// whitespace. Numbers already parsed into json.Number or float64 keep their
// encoding/json representation.
func CanonicalMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeRaw parses raw JSON and re-serializes it canonically.
// Returns an error if raw is not valid JSON.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Reject trailing garbage after the first JSON value.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return CanonicalMarshal(v)
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		// Scalars, json.Number, and any struct types fall through to
		// encoding/json. Structs are first flattened to map form so their
		// keys sort like plain objects.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if len(b) > 0 && (b[0] == '{' || b[0] == '[') {
			var generic any
			dec := json.NewDecoder(bytes.NewReader(b))
			dec.UseNumber()
			if err := dec.Decode(&generic); err != nil {
				return err
			}
			return writeCanonical(buf, generic)
		}
		buf.Write(b)
		return nil
	}
}
