package prompttemplate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_SubstitutesPlaceholders(t *testing.T) {
	out := Render("Title: {taskTitle}\nDesc: {taskDescription}\nID: {taskId}", Vars{
		TaskTitle:       "Fix login bug",
		TaskDescription: "Users can't log in",
		TaskID:          "task-42",
	})

	assert.Contains(t, out, "Title: Fix login bug")
	assert.Contains(t, out, "Desc: Users can't log in")
	assert.Contains(t, out, "ID: task-42")
}

func TestRender_AppendsSummarySuffix(t *testing.T) {
	out := Render("body", Vars{})
	assert.Contains(t, out, "## Summary")
}

func TestRender_AppendsValidationErrorsOnlyWhenPresent(t *testing.T) {
	withoutErrors := Render("body", Vars{})
	assert.NotContains(t, withoutErrors, "Fix These Errors")

	withErrors := Render("body", Vars{ValidationErrors: "compile error on line 4"})
	assert.Contains(t, withErrors, "Fix These Errors")
	assert.Contains(t, withErrors, "compile error on line 4")
}

func TestRender_DoesNotInterpretDollarBackreferences(t *testing.T) {
	// A naive regexp.ReplaceAll-based substitution would interpret "$1" in
	// the replacement text as a backreference; strings.Replacer must emit
	// it byte-for-byte instead.
	out := Render("{taskDescription}", Vars{TaskDescription: "refund $1 to the customer"})
	assert.Contains(t, out, "refund $1 to the customer")
}

func TestRender_LeavesUnknownPlaceholdersLiteral(t *testing.T) {
	out := Render("{notAKnownPlaceholder}", Vars{})
	assert.Contains(t, out, "{notAKnownPlaceholder}")
}

func TestRender_EmptyVarsProduceEmptySubstitution(t *testing.T) {
	out := Render("[{subtasksSection}]", Vars{})
	assert.Contains(t, out, "[]")
}
