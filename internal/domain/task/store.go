package task

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get/Tx.GetForUpdate when no task matches.
var ErrNotFound = errors.New("task: not found")

// ErrConcurrentModification is returned by Tx.CompareAndSetStatus when the
// persisted status no longer matches the caller's expected "before" value —
// the TOCTOU protection required by executeTransition step 2.
var ErrConcurrentModification = errors.New("task: concurrent modification")

// ListFilter narrows List results. Zero-value fields are unconstrained.
type ListFilter struct {
	ProjectID  string
	PipelineID string
	Status     string
	ParentID   string
}

// Store is the Task persistence port. All mutation outside of a
// transaction (Create, Delete, direct field updates) is used by callers
// that don't need TOCTOU protection; the Pipeline Engine always mutates
// status through WithTx.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, filter ListFilter) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error

	// WithTx opens a native transaction and invokes fn with a handle bound
	// to it. If fn returns an error the transaction is rolled back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional handle the Pipeline Engine uses to re-read and
// update a task's status atomically, serializing concurrent transitions on
// the same task.
type Tx interface {
	// GetForUpdate re-reads the task row inside the transaction.
	GetForUpdate(ctx context.Context, id string) (*Task, error)

	// CompareAndSetStatus updates status/updatedAt iff the persisted status
	// still equals expectedCurrent; returns ErrConcurrentModification
	// otherwise.
	CompareAndSetStatus(ctx context.Context, id, expectedCurrent, newStatus string) error

	// SetPhases overwrites the task's phase list (and clears Subtasks, per
	// the multi-phase invariant) inside the transaction.
	SetPhases(ctx context.Context, id string, phases []ImplementationPhase) error

	// SetSubtasks overwrites the task's flat subtask list.
	SetSubtasks(ctx context.Context, id string, subtasks []Subtask) error

	// SetFields applies a sparse set of field updates (prLink, branchName,
	// planText, assignee...) inside the transaction.
	SetFields(ctx context.Context, id string, fields map[string]any) error
}
