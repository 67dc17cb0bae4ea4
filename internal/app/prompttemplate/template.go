// Package prompttemplate resolves the final prompt string sent to an
// agent by substituting a fixed set of placeholders into the task's
// configured prompt body.
//
// Substitution is function-based (strings.Replacer), never pattern- or
// regexp-interpreting: replacement text is emitted byte-for-byte, so a
// literal "$" or "\" in a task's description never triggers backreference
// interpretation the way regexp.ReplaceAll would.
package prompttemplate

import "strings"

// Vars holds the values substituted into a prompt template.
type Vars struct {
	TaskTitle           string
	TaskDescription     string
	TaskID              string
	SubtasksSection     string
	PlanSection         string
	PlanCommentsSection string
	PriorReviewSection  string
	RelatedTaskSection  string
	ValidationErrors    string
}

const summarySuffix = "\n\n## Summary\nWhen you are done, reply with a concise summary of the changes you made and why."

// Render substitutes Vars' placeholders into body and appends the standard
// summary-request suffix, plus a "fix these errors" block when
// ValidationErrors is non-empty.
func Render(body string, v Vars) string {
	replacer := strings.NewReplacer(
		"{taskTitle}", v.TaskTitle,
		"{taskDescription}", v.TaskDescription,
		"{taskId}", v.TaskID,
		"{subtasksSection}", v.SubtasksSection,
		"{planSection}", v.PlanSection,
		"{planCommentsSection}", v.PlanCommentsSection,
		"{priorReviewSection}", v.PriorReviewSection,
		"{relatedTaskSection}", v.RelatedTaskSection,
	)
	out := replacer.Replace(body) + summarySuffix
	if v.ValidationErrors != "" {
		out += "\n\n## Fix These Errors\nThe previous attempt failed validation. Fix the following and try again:\n" + v.ValidationErrors
	}
	return out
}
