// Package jsonenc is the single JSON-encode helper used anywhere
// requires bit-stable output: sorted keys, compact separators, trailing
// newline, Unix line endings.
package jsonenc

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Marshal encodes v with sorted object keys, compact separators, and a
// single trailing '\n'. v is first round-tripped through
// map[string]any/[]any so Go struct field order never leaks into the
// output — only sorted keys do.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := marshalSorted(normalized)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// normalize round-trips v through the standard encoder/decoder so that
// struct values become map[string]interface{} before the sorted
// re-encode.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// marshalSorted recursively encodes maps with keys in sorted order.
// encoding/json already sorts map[string]any keys on marshal, but this
// keeps the guarantee explicit and in one place rather than relying on
// the standard library's current behavior.
func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			valJSON, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valJSON)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemJSON, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemJSON)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}
