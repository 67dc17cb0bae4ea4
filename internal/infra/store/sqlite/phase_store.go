package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// PhaseStore implements phase.Store on top of the phases table, a
// standalone copy of ImplementationPhase kept in sync with the
// denormalized task.Task.Phases by the app layer.
type PhaseStore struct {
	db *DB
}

// NewPhaseStore constructs a PhaseStore.
func NewPhaseStore(db *DB) *PhaseStore { return &PhaseStore{db: db} }

var errPhaseNotFound = errors.New("phase: not found")

func (s *PhaseStore) Create(ctx context.Context, taskID string, p *task.ImplementationPhase) error {
	var position int
	_ = s.db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM phases WHERE task_id = ?`, taskID).Scan(&position)
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO phases (id, task_id, name, status, subtasks, pr_link, position) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, taskID, p.Name, p.Status, jsonutil.MustMarshal(p.Subtasks), nullableString(p.PRLink), position)
	if err != nil {
		return fmt.Errorf("create phase %s for %s: %w", p.ID, taskID, err)
	}
	return nil
}

func scanPhase(row interface{ Scan(...any) error }) (*task.ImplementationPhase, error) {
	var p task.ImplementationPhase
	var subtasksRaw []byte
	var prLink sql.NullString
	var discardTaskID string
	var discardPosition int
	if err := row.Scan(&p.ID, &discardTaskID, &p.Name, &p.Status, &subtasksRaw, &prLink, &discardPosition); err != nil {
		return nil, err
	}
	p.PRLink = prLink.String
	p.Subtasks = jsonutil.ParseOrFallback[[]task.Subtask](subtasksRaw, nil)
	return &p, nil
}

const phaseColumns = `id, task_id, name, status, subtasks, pr_link, position`

func (s *PhaseStore) Get(ctx context.Context, taskID, phaseID string) (*task.ImplementationPhase, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE task_id = ? AND id = ?`, taskID, phaseID)
	p, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errPhaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get phase %s for %s: %w", phaseID, taskID, err)
	}
	return p, nil
}

func (s *PhaseStore) ListByTask(ctx context.Context, taskID string) ([]*task.ImplementationPhase, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE task_id = ? ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list phases for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []*task.ImplementationPhase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PhaseStore) Update(ctx context.Context, taskID string, p *task.ImplementationPhase) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE phases SET name=?, status=?, subtasks=?, pr_link=? WHERE task_id=? AND id=?`,
		p.Name, p.Status, jsonutil.MustMarshal(p.Subtasks), nullableString(p.PRLink), taskID, p.ID)
	if err != nil {
		return fmt.Errorf("update phase %s for %s: %w", p.ID, taskID, err)
	}
	return checkRowsAffected(res, errPhaseNotFound)
}

func (s *PhaseStore) DeleteByTask(ctx context.Context, taskID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM phases WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete phases for %s: %w", taskID, err)
	}
	return nil
}
