package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrFallback_ValidJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	out := ParseOrFallback([]byte(`{"name":"task-1"}`), payload{})
	assert.Equal(t, "task-1", out.Name)
}

func TestParseOrFallback_EmptyInputReturnsFallback(t *testing.T) {
	fallback := []string{"default"}
	out := ParseOrFallback[[]string](nil, fallback)
	assert.Equal(t, fallback, out)

	out = ParseOrFallback[[]string]([]byte(""), fallback)
	assert.Equal(t, fallback, out)
}

func TestParseOrFallback_RepairsTrailingComma(t *testing.T) {
	// A truncated/crashed-agent style malformed array with a trailing comma
	// should be repaired rather than falling back.
	out := ParseOrFallback([]byte(`["a","b",]`), []string{"fallback"})
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestParseOrFallback_UnrepairableInputFallsBackWithoutPanic(t *testing.T) {
	fallback := map[string]string{"k": "v"}
	assert.NotPanics(t, func() {
		out := ParseOrFallback([]byte("{{{not json at all"), fallback)
		assert.Equal(t, fallback, out)
	})
}

func TestMustMarshal_RoundTrips(t *testing.T) {
	b := MustMarshal(map[string]any{"a": 1})
	assert.JSONEq(t, `{"a":1}`, string(b))
}

func TestMustMarshal_UnmarshalableValueReturnsNullLiteral(t *testing.T) {
	// A value json.Marshal cannot encode (e.g. a channel) degrades to the
	// literal "null" rather than panicking.
	assert.NotPanics(t, func() {
		b := MustMarshal(make(chan int))
		assert.Equal(t, "null", string(b))
	})
}
