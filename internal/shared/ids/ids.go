// Package ids centralises identifier generation so every entity in the
// system (tasks, runs, transitions, events...) gets a consistently shaped id.
package ids

import "github.com/google/uuid"

// NewTaskID generates a new task identifier.
func NewTaskID() string { return "task-" + uuid.NewString() }

// NewRunID generates a new agent run identifier.
func NewRunID() string { return "run-" + uuid.NewString() }

// NewArtifactID generates a new artifact identifier.
func NewArtifactID() string { return "artifact-" + uuid.NewString() }

// NewPromptID generates a new pending-prompt identifier.
func NewPromptID() string { return "prompt-" + uuid.NewString() }

// NewContextEntryID generates a new task-context-entry identifier.
func NewContextEntryID() string { return "ctx-" + uuid.NewString() }

// NewEventID generates a new task-event identifier.
func NewEventID() string { return "event-" + uuid.NewString() }

// NewPhaseID generates a new implementation-phase identifier.
func NewPhaseID() string { return "phase-" + uuid.NewString() }

// NewPipelineID generates a new pipeline identifier.
func NewPipelineID() string { return "pipeline-" + uuid.NewString() }
