package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephantci/orchestrator/internal/domain/task"
)

func TestReconciler_TodoWriteMatchesAndMapsStatus(t *testing.T) {
	tsk := &task.Task{Subtasks: []task.Subtask{
		{Name: "Add login endpoint", Status: task.SubtaskOpen},
		{Name: "Write tests", Status: task.SubtaskOpen},
	}}
	r := newReconciler(tsk, nil)

	r.observeToolUse(ContentBlock{
		ToolName: "TodoWrite",
		ToolInput: map[string]any{
			"todos": []any{
				map[string]any{"content": "add login endpoint", "status": "in_progress"},
				map[string]any{"content": "Write Tests", "status": "completed"},
			},
		},
	})

	require.Len(t, tsk.Subtasks, 2)
	assert.Equal(t, task.SubtaskInProgress, tsk.Subtasks[0].Status)
	assert.Equal(t, task.SubtaskDone, tsk.Subtasks[1].Status)
}

func TestReconciler_TodoWriteIgnoresUnmatchedOrUnknownStatus(t *testing.T) {
	tsk := &task.Task{Subtasks: []task.Subtask{{Name: "Add login endpoint", Status: task.SubtaskOpen}}}
	r := newReconciler(tsk, nil)

	r.observeToolUse(ContentBlock{
		ToolName: "TodoWrite",
		ToolInput: map[string]any{
			"todos": []any{
				map[string]any{"content": "Some other item", "status": "completed"},
				map[string]any{"content": "Add login endpoint", "status": "unknown_status"},
			},
		},
	})

	assert.Equal(t, task.SubtaskOpen, tsk.Subtasks[0].Status)
}

func TestReconciler_TaskCreateAddsNewSubtaskOnce(t *testing.T) {
	tsk := &task.Task{}
	r := newReconciler(tsk, nil)

	r.observeToolUse(ContentBlock{ToolName: "TaskCreate", ToolInput: map[string]any{
		"id": "sdk-1", "name": "Refactor parser",
	}})
	r.observeToolUse(ContentBlock{ToolName: "TaskCreate", ToolInput: map[string]any{
		"id": "sdk-2", "name": "refactor parser",
	}})

	require.Len(t, tsk.Subtasks, 1, "a re-announced task with the same normalized name must not duplicate")
	assert.Equal(t, "Refactor parser", tsk.Subtasks[0].Name)
	assert.Equal(t, task.SubtaskOpen, tsk.Subtasks[0].Status)
}

func TestReconciler_TaskUpdateTracksBySDKTaskID(t *testing.T) {
	tsk := &task.Task{}
	r := newReconciler(tsk, nil)

	r.observeToolUse(ContentBlock{ToolName: "TaskCreate", ToolInput: map[string]any{
		"id": "sdk-1", "name": "Refactor parser",
	}})
	r.observeToolUse(ContentBlock{ToolName: "TaskUpdate", ToolInput: map[string]any{
		"id": "sdk-1", "status": "completed",
	}})

	require.Len(t, tsk.Subtasks, 1)
	assert.Equal(t, task.SubtaskDone, tsk.Subtasks[0].Status)
}

func TestReconciler_TaskUpdateIgnoresUntrackedID(t *testing.T) {
	tsk := &task.Task{Subtasks: []task.Subtask{{Name: "Existing", Status: task.SubtaskOpen}}}
	r := newReconciler(tsk, nil)

	r.observeToolUse(ContentBlock{ToolName: "TaskUpdate", ToolInput: map[string]any{
		"id": "never-created", "status": "completed",
	}})

	assert.Equal(t, task.SubtaskOpen, tsk.Subtasks[0].Status)
}

func TestReconciler_MultiPhaseWritesToActivePhaseOnly(t *testing.T) {
	tsk := &task.Task{Phases: []task.ImplementationPhase{
		{Name: "phase-1", Status: task.PhaseCompleted, Subtasks: []task.Subtask{
			{Name: "old item", Status: task.SubtaskDone},
		}},
		{Name: "phase-2", Status: task.PhaseInProgress, Subtasks: []task.Subtask{
			{Name: "new item", Status: task.SubtaskOpen},
		}},
	}}
	r := newReconciler(tsk, nil)

	r.observeToolUse(ContentBlock{
		ToolName: "TodoWrite",
		ToolInput: map[string]any{
			"todos": []any{
				map[string]any{"content": "new item", "status": "in_progress"},
			},
		},
	})

	assert.Equal(t, task.SubtaskDone, tsk.Phases[0].Subtasks[0].Status, "completed phase must not be touched")
	assert.Equal(t, task.SubtaskInProgress, tsk.Phases[1].Subtasks[0].Status)
}

func TestReconciler_IgnoresUnknownToolNames(t *testing.T) {
	tsk := &task.Task{Subtasks: []task.Subtask{{Name: "item", Status: task.SubtaskOpen}}}
	r := newReconciler(tsk, nil)

	assert.NotPanics(t, func() {
		r.observeToolUse(ContentBlock{ToolName: "SomeUnrelatedTool", ToolInput: map[string]any{"x": 1}})
	})
	assert.Equal(t, task.SubtaskOpen, tsk.Subtasks[0].Status)
}
