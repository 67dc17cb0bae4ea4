// Package task defines the Task domain model and its persistence port.
//
// A Task is the unit of work driven through a Pipeline's state machine. It
// owns its Subtasks and ImplementationPhases inline; AgentRuns, Artifacts,
// PendingPrompts and ContextEntries are owned by reference (see their
// respective packages) and cascade-delete with the Task.
package task

import "time"

// SubtaskStatus is the lifecycle of a single subtask line item.
type SubtaskStatus string

const (
	SubtaskOpen       SubtaskStatus = "open"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
)

// Subtask is a single checklist item tracked either at the task level (flat
// tasks) or inside an ImplementationPhase (multi-phase tasks).
type Subtask struct {
	Name   string        `json:"name"`
	Status SubtaskStatus `json:"status"`
}

// PhaseStatus is the lifecycle of an ImplementationPhase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

// ImplementationPhase is a named segment of a multi-phase implementation;
// each phase gets its own branch and PR.
type ImplementationPhase struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Status   PhaseStatus `json:"status"`
	Subtasks []Subtask   `json:"subtasks,omitempty"`
	PRLink   string      `json:"prLink,omitempty"`
}

// Task is the unit of work, bound to a Pipeline via PipelineID. Its Status
// field must always name a state defined by that pipeline.
type Task struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"projectId"`
	PipelineID   string   `json:"pipelineId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Priority     int      `json:"priority"`
	Tags         []string `json:"tags,omitempty"`
	ParentTaskID string   `json:"parentTaskId,omitempty"`
	FeatureID    string   `json:"featureId,omitempty"`
	Assignee     string   `json:"assignee,omitempty"`
	PRLink       string   `json:"prLink,omitempty"`
	BranchName   string   `json:"branchName,omitempty"`
	PlanText     string   `json:"planText,omitempty"`

	// Subtasks is populated for flat (single-phase) tasks only; it must be
	// empty whenever Phases holds more than one entry.
	Subtasks []Subtask `json:"subtasks,omitempty"`
	// Phases is populated for multi-phase tasks; nil/empty for flat tasks.
	Phases []ImplementationPhase `json:"phases,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsMultiPhase reports whether the task is driven by ImplementationPhases
// rather than a flat Subtask list.
func (t *Task) IsMultiPhase() bool { return len(t.Phases) > 1 }

// ActivePhase returns the phase currently in_progress, or nil if none is.
func (t *Task) ActivePhase() *ImplementationPhase {
	for i := range t.Phases {
		if t.Phases[i].Status == PhaseInProgress {
			return &t.Phases[i]
		}
	}
	return nil
}

// NextPendingPhase returns the first phase still pending, or nil if none.
func (t *Task) NextPendingPhase() *ImplementationPhase {
	for i := range t.Phases {
		if t.Phases[i].Status == PhasePending {
			return &t.Phases[i]
		}
	}
	return nil
}

// HasPendingPhases reports whether any phase is still pending — backs the
// has_pending_phases built-in guard.
func (t *Task) HasPendingPhases() bool {
	return t.NextPendingPhase() != nil
}

// EffectiveSubtasks returns the subtask set that reconciliation should write
// to: the active phase's subtasks for multi-phase tasks, the flat list
// otherwise.
func (t *Task) EffectiveSubtasks() []Subtask {
	if t.IsMultiPhase() {
		if p := t.ActivePhase(); p != nil {
			return p.Subtasks
		}
		return nil
	}
	return t.Subtasks
}
