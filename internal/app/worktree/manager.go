// Package worktree implements the per-task Worktree Manager: at most one
// isolated Git checkout per task, with a cooperative lock flag observable
// by callers.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	domain "github.com/elephantci/orchestrator/internal/domain/worktree"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// ErrAlreadyExists is returned by Create when a worktree already exists for
// the task.
var ErrAlreadyExists = fmt.Errorf("worktree: already exists for task")

// Manager is a per-project factory for isolated task worktrees.
type Manager struct {
	projectDir  string
	worktreeDir string
	store       domain.Store
	logger      logging.Logger
	sf          singleflight.Group
}

// NewManager constructs a Manager rooted at projectDir, persisting
// allocation/lock state through store.
func NewManager(projectDir string, store domain.Store, logger logging.Logger) *Manager {
	projectDir = strings.TrimSpace(projectDir)
	return &Manager{
		projectDir:  projectDir,
		worktreeDir: filepath.Join(projectDir, ".orchestrator", "worktrees"),
		store:       store,
		logger:      logging.OrNop(logger),
	}
}

// Create allocates a new worktree for taskID on branch, failing if one
// already exists. Concurrent Create calls for the same taskID are
// collapsed via singleflight: only one git worktree add runs and every
// caller receives its result.
func (m *Manager) Create(ctx context.Context, taskID, branch string) (*domain.Worktree, error) {
	v, err, _ := m.sf.Do(taskID, func() (any, error) {
		if existing, gerr := m.store.Get(ctx, taskID); gerr == nil && existing != nil {
			return nil, ErrAlreadyExists
		}
		if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
			return nil, fmt.Errorf("create worktree dir: %w", err)
		}
		path := filepath.Join(m.worktreeDir, sanitize(taskID))
		if err := m.git(ctx, "worktree", "add", path, "-b", branch); err != nil {
			return nil, err
		}
		w := &domain.Worktree{Path: path, Branch: branch, TaskID: taskID}
		if err := m.store.Create(ctx, w); err != nil {
			return nil, err
		}
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Worktree), nil
}

// Get returns the worktree for taskID; the store's ErrNotFound is returned
// if none is recorded.
func (m *Manager) Get(ctx context.Context, taskID string) (*domain.Worktree, error) {
	return m.store.Get(ctx, taskID)
}

// Lock sets the cooperative lock flag. The flag is advisory: it does not
// block concurrent Create/Delete, callers are expected to respect it.
func (m *Manager) Lock(ctx context.Context, taskID string) error {
	return m.store.SetLocked(ctx, taskID, true)
}

// Unlock clears the cooperative lock flag. It tolerates an already-gone
// worktree (a hook may have deleted it first).
func (m *Manager) Unlock(ctx context.Context, taskID string) error {
	if err := m.store.SetLocked(ctx, taskID, false); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Delete removes the worktree for taskID. Idempotent with respect to
// already-absent worktrees.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	w, err := m.store.Get(ctx, taskID)
	if err != nil || w == nil {
		return nil
	}
	_ = m.git(ctx, "worktree", "remove", "--force", w.Path)
	return m.store.Delete(ctx, taskID)
}

// List returns all currently allocated worktrees.
func (m *Manager) List(ctx context.Context) ([]*domain.Worktree, error) {
	return m.store.List(ctx)
}

// Cleanup prunes worktree metadata whose on-disk directory no longer
// exists (e.g. after manual `git worktree remove` or a crashed cleanup).
func (m *Manager) Cleanup(ctx context.Context) error {
	all, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, w := range all {
		if _, statErr := os.Stat(w.Path); os.IsNotExist(statErr) {
			if derr := m.store.Delete(ctx, w.TaskID); derr != nil {
				m.logger.Warn("worktree cleanup: failed to remove stale record", "task", w.TaskID, "err", derr)
			}
		}
	}
	_ = m.git(ctx, "worktree", "prune")
	return nil
}

func (m *Manager) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.projectDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func sanitize(taskID string) string {
	s := strings.TrimSpace(taskID)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	if s == "" {
		s = "task"
	}
	return s
}
