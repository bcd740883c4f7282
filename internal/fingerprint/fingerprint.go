// Package fingerprint computes the deterministic cache key shared by the
// cache store and the request coalescer so the two layers can never
// disagree about which requests collide.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Compute returns the fingerprint for a JSON-RPC call: the method name
// followed by the canonical JSON form of its parameters. Array order is
// preserved; object keys are sorted lexicographically; numbers and hex
// strings are kept verbatim so "0x10" and "16" never collide.
func Compute(method string, params json.RawMessage) (string, error) {
	canon, err := Canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize params for %s: %w", method, err)
	}
	return method + ":" + canon, nil
}

// Canonicalize re-serializes a JSON value with object keys sorted, leaving
// arrays, strings, and numbers exactly as they were. Empty or absent params
// canonicalize to "[]".
func Canonicalize(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "[]", nil
	}

	// UseNumber preserves the original numeric literal (as json.Number, a
	// string under the hood) instead of round-tripping through float64,
	// which would reformat large integers and lose verbatim equivalence.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	sorted := sortValue(v)

	out, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sortValue recursively replaces every JSON object with an orderedMap whose
// MarshalJSON emits keys in sorted order, leaving arrays and scalars
// untouched (aside from recursing into array elements).
func sortValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om := orderedMap{keys: keys, values: make(map[string]interface{}, len(t))}
		for _, k := range keys {
			om.values[k] = sortValue(t[k])
		}
		return om
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sortValue(e)
		}
		return out
	default:
		return t
	}
}

// orderedMap marshals a map with a fixed key order instead of Go's
// randomized map iteration order.
type orderedMap struct {
	keys   []string
	values map[string]interface{}
}

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range m.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')

		valJSON, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
