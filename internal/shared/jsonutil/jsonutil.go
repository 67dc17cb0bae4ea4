// Package jsonutil implements the "parse-or-fallback" helper every
// JSON-valued store column is read through: it never panics and never
// returns an error, only ever the parsed value or the fallback.
package jsonutil

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// ParseOrFallback unmarshals raw into a new T. If raw is empty or malformed
// it first attempts a best-effort repair (trailing commas, unquoted keys,
// truncated output from a crashed agent process) before giving up and
// returning fallback. It never returns an error and never panics.
func ParseOrFallback[T any](raw []byte, fallback T) T {
	if len(raw) == 0 {
		return fallback
	}
	var out T
	if err := json.Unmarshal(raw, &out); err == nil {
		return out
	}
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return fallback
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return fallback
	}
	return out
}

// MustMarshal marshals v to JSON, returning "null" on the (practically
// unreachable for our value types) marshal error rather than panicking.
func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
