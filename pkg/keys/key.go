// Package keys defines structured cache keys, their stable fingerprints and
// partial matching between them.
package keys

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Key is an ordered, structured cache key such as
// Key{"pages", map[string]any{"site": 7, "draft": true}}.
// Elements must be JSON-serialisable.
type Key []any

// HashFunc computes a fingerprint for a key.
type HashFunc func(Key) (string, error)

// Hash returns the stable fingerprint of key. Maps are serialised with their
// keys sorted, so structurally equal keys hash identically regardless of how
// they were built.
func Hash(key Key) (string, error) {
	if key == nil {
		key = Key{}
	}
	b, err := json.Marshal([]any(key))
	if err != nil {
		return "", fmt.Errorf("hash key %v: %w", key, err)
	}
	return string(b), nil
}

// Normalize converts key into its generic JSON shape (maps, slices, strings,
// json.Number, bools and nil) so that keys built from different Go types can
// be compared structurally.
func Normalize(key Key) ([]any, error) {
	if key == nil {
		return []any{}, nil
	}
	b, err := json.Marshal([]any(key))
	if err != nil {
		return nil, fmt.Errorf("normalize key %v: %w", key, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize key %v: %w", key, err)
	}
	return out, nil
}

// Decode parses a fingerprint produced by Hash back into a Key.
func Decode(hash string) (Key, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(hash)))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode key hash %q: %w", hash, err)
	}
	return Key(out), nil
}
