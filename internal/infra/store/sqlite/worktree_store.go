package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/worktree"
)

// WorktreeStore implements worktree.Store on top of the worktrees table.
type WorktreeStore struct {
	db *DB
}

// NewWorktreeStore constructs a WorktreeStore.
func NewWorktreeStore(db *DB) *WorktreeStore { return &WorktreeStore{db: db} }

func (s *WorktreeStore) Create(ctx context.Context, w *worktree.Worktree) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO worktrees (task_id, path, branch, locked) VALUES (?, ?, ?, ?)`,
		w.TaskID, w.Path, w.Branch, boolToInt(w.Locked))
	if err != nil {
		return fmt.Errorf("create worktree for %s: %w", w.TaskID, err)
	}
	return nil
}

func (s *WorktreeStore) Get(ctx context.Context, taskID string) (*worktree.Worktree, error) {
	var w worktree.Worktree
	var locked int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT task_id, path, branch, locked FROM worktrees WHERE task_id = ?`, taskID,
	).Scan(&w.TaskID, &w.Path, &w.Branch, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, worktree.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree for %s: %w", taskID, err)
	}
	w.Locked = locked != 0
	return &w, nil
}

func (s *WorktreeStore) SetLocked(ctx context.Context, taskID string, locked bool) error {
	res, err := s.db.conn.ExecContext(ctx, `UPDATE worktrees SET locked = ? WHERE task_id = ?`, boolToInt(locked), taskID)
	if err != nil {
		return fmt.Errorf("set worktree lock for %s: %w", taskID, err)
	}
	return checkRowsAffected(res, worktree.ErrNotFound)
}

func (s *WorktreeStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM worktrees WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete worktree for %s: %w", taskID, err)
	}
	return nil
}

func (s *WorktreeStore) List(ctx context.Context) ([]*worktree.Worktree, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT task_id, path, branch, locked FROM worktrees ORDER BY task_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()
	var out []*worktree.Worktree
	for rows.Next() {
		var w worktree.Worktree
		var locked int
		if err := rows.Scan(&w.TaskID, &w.Path, &w.Branch, &locked); err != nil {
			return nil, err
		}
		w.Locked = locked != 0
		out = append(out, &w)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
