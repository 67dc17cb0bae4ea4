// Package worktree models an isolated per-task Git checkout.
package worktree

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get/SetLocked/Delete when no worktree is
// recorded for the given task.
var ErrNotFound = errors.New("worktree: not found")

// Worktree is an isolated filesystem checkout owned by a task for the
// duration of its agent activity. At most one exists per TaskID at a time.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	TaskID string `json:"taskId"`
	Locked bool   `json:"locked"`
}

// Store is the Worktree persistence port backing the Worktree Manager —
// it tracks allocation and the cooperative lock flag across restarts.
type Store interface {
	Create(ctx context.Context, w *Worktree) error
	Get(ctx context.Context, taskID string) (*Worktree, error)
	SetLocked(ctx context.Context, taskID string, locked bool) error
	Delete(ctx context.Context, taskID string) error
	List(ctx context.Context) ([]*Worktree, error)
}
