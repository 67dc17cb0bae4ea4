package sqlite

import (
	"context"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/taskcontext"
)

// TaskContextStore implements taskcontext.Store on top of the
// context_entries table.
type TaskContextStore struct {
	db *DB
}

// NewTaskContextStore constructs a TaskContextStore.
func NewTaskContextStore(db *DB) *TaskContextStore { return &TaskContextStore{db: db} }

func (s *TaskContextStore) Append(ctx context.Context, e *taskcontext.Entry) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO context_entries (id, task_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Kind, e.Content, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append context entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *TaskContextStore) ListByTask(ctx context.Context, taskID string) ([]*taskcontext.Entry, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, task_id, kind, content, created_at FROM context_entries WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list context entries for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []*taskcontext.Entry
	for rows.Next() {
		var e taskcontext.Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Content, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *TaskContextStore) DeleteByTask(ctx context.Context, taskID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM context_entries WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete context entries for %s: %w", taskID, err)
	}
	return nil
}
