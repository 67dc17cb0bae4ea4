package sqlite

import (
	"context"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// EventStore implements event.Store on top of the task_events table.
type EventStore struct {
	db *DB
}

// NewEventStore constructs an EventStore.
func NewEventStore(db *DB) *EventStore { return &EventStore{db: db} }

func (s *EventStore) Append(ctx context.Context, e *event.Event) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO task_events (id, task_id, category, severity, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Category, e.Severity, e.Message, nullableJSON(e.Data), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

func (s *EventStore) ListByTask(ctx context.Context, taskID string, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, task_id, category, severity, message, data, created_at FROM task_events
		 WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []*event.Event
	for rows.Next() {
		var e event.Event
		var dataRaw []byte
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Category, &e.Severity, &e.Message, &dataRaw, &createdAt); err != nil {
			return nil, err
		}
		e.Data = jsonutil.ParseOrFallback[map[string]any](dataRaw, nil)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *EventStore) DeleteByTask(ctx context.Context, taskID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete events for %s: %w", taskID, err)
	}
	return nil
}
