package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/history"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// HistoryStore implements history.Store on top of the transition_history
// table.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore constructs a HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore { return &HistoryStore{db: db} }

func (s *HistoryStore) Append(ctx context.Context, e *history.Entry) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO transition_history (id, task_id, from_status, to_status, "trigger", actor, guards, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.FromStatus, e.ToStatus, e.Trigger, nullableString(e.Actor),
		jsonutil.MustMarshal(e.Guards), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append history entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *HistoryStore) ListByTask(ctx context.Context, taskID string) ([]*history.Entry, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, task_id, from_status, to_status, "trigger", actor, guards, created_at
		 FROM transition_history WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []*history.Entry
	for rows.Next() {
		var e history.Entry
		var guardsRaw []byte
		var actor sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.Trigger, &actor, &guardsRaw, &createdAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.Guards = jsonutil.ParseOrFallback[[]history.GuardResult](guardsRaw, nil)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
