package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// TaskStore implements task.Store on top of the tasks table.
type TaskStore struct {
	db *DB
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(db *DB) *TaskStore { return &TaskStore{db: db} }

func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	now := s.db.clock.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, pipeline_id, title, description, status, priority, tags,
			parent_task_id, feature_id, assignee, pr_link, branch_name, plan_text, subtasks, phases,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.PipelineID, t.Title, t.Description, t.Status, t.Priority,
		jsonutil.MustMarshal(t.Tags), nullableString(t.ParentTaskID), nullableString(t.FeatureID),
		nullableString(t.Assignee), nullableString(t.PRLink), nullableString(t.BranchName),
		nullableString(t.PlanText), jsonutil.MustMarshal(t.Subtasks), jsonutil.MustMarshal(t.Phases),
		jsonutil.MustMarshal(t.Metadata), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `id, project_id, pipeline_id, title, description, status, priority, tags,
	parent_task_id, feature_id, assignee, pr_link, branch_name, plan_text, subtasks, phases,
	metadata, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var t task.Task
	var tagsRaw, subtasksRaw, phasesRaw, metadataRaw []byte
	var parentTaskID, featureID, assignee, prLink, branchName, planText sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&t.ID, &t.ProjectID, &t.PipelineID, &t.Title, &t.Description, &t.Status,
		&t.Priority, &tagsRaw, &parentTaskID, &featureID, &assignee, &prLink, &branchName, &planText,
		&subtasksRaw, &phasesRaw, &metadataRaw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.ParentTaskID = parentTaskID.String
	t.FeatureID = featureID.String
	t.Assignee = assignee.String
	t.PRLink = prLink.String
	t.BranchName = branchName.String
	t.PlanText = planText.String
	t.Tags = jsonutil.ParseOrFallback[[]string](tagsRaw, nil)
	t.Subtasks = jsonutil.ParseOrFallback[[]task.Subtask](subtasksRaw, nil)
	t.Phases = jsonutil.ParseOrFallback[[]task.ImplementationPhase](phasesRaw, nil)
	t.Metadata = jsonutil.ParseOrFallback[map[string]string](metadataRaw, nil)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *TaskStore) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.PipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, filter.PipelineID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.ParentID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, filter.ParentID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) Update(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = s.db.clock.Now()
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE tasks SET project_id=?, pipeline_id=?, title=?, description=?, status=?, priority=?,
			tags=?, parent_task_id=?, feature_id=?, assignee=?, pr_link=?, branch_name=?, plan_text=?,
			subtasks=?, phases=?, metadata=?, updated_at=?
		WHERE id = ?`,
		t.ProjectID, t.PipelineID, t.Title, t.Description, t.Status, t.Priority,
		jsonutil.MustMarshal(t.Tags), nullableString(t.ParentTaskID), nullableString(t.FeatureID),
		nullableString(t.Assignee), nullableString(t.PRLink), nullableString(t.BranchName),
		nullableString(t.PlanText), jsonutil.MustMarshal(t.Subtasks), jsonutil.MustMarshal(t.Phases),
		jsonutil.MustMarshal(t.Metadata), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return checkRowsAffected(res, task.ErrNotFound)
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *TaskStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx task.Tx) error) error {
	sqlTx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txHandle := &taskTx{tx: sqlTx, clock: s.db.clock}
	if err := fn(ctx, txHandle); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type taskTx struct {
	tx    *sql.Tx
	clock interface{ Now() time.Time }
}

func (tx *taskTx) GetForUpdate(ctx context.Context, id string) (*task.Task, error) {
	row := tx.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task for update %s: %w", id, err)
	}
	return t, nil
}

func (tx *taskTx) CompareAndSetStatus(ctx context.Context, id, expectedCurrent, newStatus string) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		newStatus, formatTime(tx.clock.Now()), id, expectedCurrent)
	if err != nil {
		return fmt.Errorf("compare-and-set status for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrConcurrentModification
	}
	return nil
}

func (tx *taskTx) SetPhases(ctx context.Context, id string, phases []task.ImplementationPhase) error {
	res, err := tx.tx.ExecContext(ctx, `UPDATE tasks SET phases = ?, subtasks = '[]', updated_at = ? WHERE id = ?`,
		jsonutil.MustMarshal(phases), formatTime(tx.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("set phases for %s: %w", id, err)
	}
	return checkRowsAffected(res, task.ErrNotFound)
}

func (tx *taskTx) SetSubtasks(ctx context.Context, id string, subtasks []task.Subtask) error {
	res, err := tx.tx.ExecContext(ctx, `UPDATE tasks SET subtasks = ?, updated_at = ? WHERE id = ?`,
		jsonutil.MustMarshal(subtasks), formatTime(tx.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("set subtasks for %s: %w", id, err)
	}
	return checkRowsAffected(res, task.ErrNotFound)
}

var taskSettableFields = map[string]string{
	"prLink":     "pr_link",
	"branchName": "branch_name",
	"planText":   "plan_text",
	"assignee":   "assignee",
	"title":      "title",
	"description": "description",
}

func (tx *taskTx) SetFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	var setClauses []string
	var args []any
	for k, v := range fields {
		col, ok := taskSettableFields[k]
		if !ok {
			continue
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, fmt.Sprintf("%v", v))
	}
	if len(setClauses) == 0 {
		return nil
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, formatTime(tx.clock.Now()))
	args = append(args, id)
	query := "UPDATE tasks SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"
	res, err := tx.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set fields for %s: %w", id, err)
	}
	return checkRowsAffected(res, task.ErrNotFound)
}

func checkRowsAffected(res sql.Result, notFoundErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
