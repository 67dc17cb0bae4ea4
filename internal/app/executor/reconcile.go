package executor

import (
	"strings"

	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/task"
)

// reconciler intercepts TodoWrite/TaskCreate/TaskUpdate tool calls and
// reconciles them against the task's (or active phase's) subtask set.
type reconciler struct {
	t   *task.Task
	run *agentrun.AgentRun
	// sdkTaskToSubtask maps an SDK-side task id (from TaskCreate/TaskUpdate)
	// to the subtask name it was created for.
	sdkTaskToSubtask map[string]string
	// dirty is set whenever a tool call changed the subtask set; the stream
	// loop persists the task and clears it on the next flush.
	dirty bool
}

func newReconciler(t *task.Task, run *agentrun.AgentRun) *reconciler {
	return &reconciler{t: t, run: run, sdkTaskToSubtask: make(map[string]string)}
}

// observeToolUse is called for every tool_use content block in an
// assistant message.
func (r *reconciler) observeToolUse(c ContentBlock) {
	switch c.ToolName {
	case "TodoWrite":
		r.applyTodoWrite(c.ToolInput)
	case "TaskCreate":
		r.applyTaskCreate(c.ToolInput)
	case "TaskUpdate":
		r.applyTaskUpdate(c.ToolInput)
	}
}

func (r *reconciler) subtasks() []task.Subtask {
	if r.t.IsMultiPhase() {
		if p := r.t.ActivePhase(); p != nil {
			return p.Subtasks
		}
		return nil
	}
	return r.t.Subtasks
}

func (r *reconciler) setSubtasks(s []task.Subtask) {
	if r.t.IsMultiPhase() {
		if p := r.t.ActivePhase(); p != nil {
			p.Subtasks = s
			r.dirty = true
			return
		}
	}
	r.t.Subtasks = s
	r.dirty = true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// applyTodoWrite matches each todo's content/subject against the effective
// subtask set (case-folded, trimmed) and maps statuses
// pending->open, in_progress->in_progress, completed->done.
func (r *reconciler) applyTodoWrite(input map[string]any) {
	todosRaw, ok := input["todos"].([]any)
	if !ok {
		return
	}
	subtasks := r.subtasks()
	changed := false
	for _, raw := range todosRaw {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		content, _ := item["content"].(string)
		if content == "" {
			content, _ = item["subject"].(string)
		}
		status, _ := item["status"].(string)
		mapped := mapTodoStatus(status)
		if mapped == "" || content == "" {
			continue
		}
		for i := range subtasks {
			if normalize(subtasks[i].Name) == normalize(content) {
				if subtasks[i].Status != mapped {
					subtasks[i].Status = mapped
					changed = true
				}
				break
			}
		}
	}
	if changed {
		r.setSubtasks(subtasks)
	}
}

func mapTodoStatus(s string) task.SubtaskStatus {
	switch s {
	case "pending":
		return task.SubtaskOpen
	case "in_progress":
		return task.SubtaskInProgress
	case "completed":
		return task.SubtaskDone
	default:
		return ""
	}
}

func (r *reconciler) applyTaskCreate(input map[string]any) {
	id, _ := input["id"].(string)
	name, _ := input["name"].(string)
	if name == "" {
		name, _ = input["subject"].(string)
	}
	if id == "" || name == "" {
		return
	}
	r.sdkTaskToSubtask[id] = name
	subtasks := r.subtasks()
	for i := range subtasks {
		if normalize(subtasks[i].Name) == normalize(name) {
			return
		}
	}
	subtasks = append(subtasks, task.Subtask{Name: name, Status: task.SubtaskOpen})
	r.setSubtasks(subtasks)
}

func (r *reconciler) applyTaskUpdate(input map[string]any) {
	id, _ := input["id"].(string)
	status, _ := input["status"].(string)
	name, ok := r.sdkTaskToSubtask[id]
	if !ok {
		return
	}
	mapped := mapTodoStatus(status)
	if mapped == "" {
		return
	}
	subtasks := r.subtasks()
	for i := range subtasks {
		if normalize(subtasks[i].Name) == normalize(name) {
			subtasks[i].Status = mapped
			break
		}
	}
	r.setSubtasks(subtasks)
}
