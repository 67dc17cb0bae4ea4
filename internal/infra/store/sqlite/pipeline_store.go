package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// PipelineStore implements pipeline.Store on top of the pipelines table.
type PipelineStore struct {
	db *DB
}

// NewPipelineStore constructs a PipelineStore.
func NewPipelineStore(db *DB) *PipelineStore { return &PipelineStore{db: db} }

var errPipelineNotFound = errors.New("pipeline: not found")

func (s *PipelineStore) Create(ctx context.Context, p *domainpipeline.Pipeline) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, task_type, statuses, transitions) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.TaskType, jsonutil.MustMarshal(p.Statuses), jsonutil.MustMarshal(p.Transitions))
	if err != nil {
		return fmt.Errorf("create pipeline %s: %w", p.ID, err)
	}
	return nil
}

func scanPipeline(row interface{ Scan(...any) error }) (*domainpipeline.Pipeline, error) {
	var p domainpipeline.Pipeline
	var statusesRaw, transitionsRaw []byte
	if err := row.Scan(&p.ID, &p.Name, &p.TaskType, &statusesRaw, &transitionsRaw); err != nil {
		return nil, err
	}
	p.Statuses = jsonutil.ParseOrFallback[[]domainpipeline.Status](statusesRaw, nil)
	p.Transitions = jsonutil.ParseOrFallback[[]domainpipeline.Transition](transitionsRaw, nil)
	return &p, nil
}

const pipelineColumns = `id, name, task_type, statuses, transitions`

func (s *PipelineStore) Get(ctx context.Context, id string) (*domainpipeline.Pipeline, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return p, nil
}

func (s *PipelineStore) GetByTaskType(ctx context.Context, taskType string) (*domainpipeline.Pipeline, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE task_type = ?`, taskType)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline by task type %s: %w", taskType, err)
	}
	return p, nil
}

func (s *PipelineStore) List(ctx context.Context) ([]*domainpipeline.Pipeline, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()
	var out []*domainpipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PipelineStore) Update(ctx context.Context, p *domainpipeline.Pipeline) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE pipelines SET name=?, task_type=?, statuses=?, transitions=? WHERE id=?`,
		p.Name, p.TaskType, jsonutil.MustMarshal(p.Statuses), jsonutil.MustMarshal(p.Transitions), p.ID)
	if err != nil {
		return fmt.Errorf("update pipeline %s: %w", p.ID, err)
	}
	return checkRowsAffected(res, errPipelineNotFound)
}

func (s *PipelineStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline %s: %w", id, err)
	}
	return nil
}
