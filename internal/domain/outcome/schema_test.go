package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSignalOnly(t *testing.T) {
	assert.True(t, IsSignalOnly("pr_ready"))
	assert.True(t, IsSignalOnly("some_future_outcome_not_in_registry"))
	assert.False(t, IsSignalOnly("needs_info"))
}

func TestValidatePayload_SignalOnlyAcceptsAnything(t *testing.T) {
	for _, payload := range []any{nil, map[string]any{}, []any{1, 2}, "junk"} {
		res := ValidatePayload("pr_ready", payload)
		assert.True(t, res.Valid, "signal-only outcome should accept %#v", payload)
	}
}

func TestValidatePayload_NeedsInfoRequiresQuestions(t *testing.T) {
	res := ValidatePayload("needs_info", map[string]any{"questions": []any{"what version?"}})
	assert.True(t, res.Valid)

	res = ValidatePayload("needs_info", map[string]any{})
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "questions")

	res = ValidatePayload("needs_info", map[string]any{"questions": "not an array"})
	assert.False(t, res.Valid)
}

func TestValidatePayload_OptionsProposedRequiresBothFields(t *testing.T) {
	ok := map[string]any{"summary": "pick one", "options": []any{"a", "b"}}
	assert.True(t, ValidatePayload("options_proposed", ok).Valid)

	missingOptions := map[string]any{"summary": "pick one"}
	res := ValidatePayload("options_proposed", missingOptions)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "options")
}

func TestValidatePayload_ChangesRequested(t *testing.T) {
	ok := map[string]any{"summary": "fix x", "comments": []any{map[string]any{"line": 1}}}
	assert.True(t, ValidatePayload("changes_requested", ok).Valid)
}

func TestValidatePayload_NeverPanicsOnArrayPayload(t *testing.T) {
	assert.NotPanics(t, func() {
		res := ValidatePayload("needs_info", []any{"not", "a", "map"})
		assert.False(t, res.Valid)
		assert.Contains(t, res.Error, "missing required field")
	})
}

func TestValidatePayload_NeverPanicsOnNilPayload(t *testing.T) {
	assert.NotPanics(t, func() {
		res := ValidatePayload("needs_info", nil)
		assert.False(t, res.Valid)
	})
}

func TestValidatePayload_TotalOverArbitraryOutcomeNames(t *testing.T) {
	// Unknown outcome names degrade to signal-only rather than erroring.
	res := ValidatePayload("totally_unknown_outcome", map[string]any{"anything": 1})
	assert.True(t, res.Valid)
}
