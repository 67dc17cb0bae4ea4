package sqlite

import (
	"context"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/artifact"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// ArtifactStore implements artifact.Store on top of the artifacts table.
type ArtifactStore struct {
	db *DB
}

// NewArtifactStore constructs an ArtifactStore.
func NewArtifactStore(db *DB) *ArtifactStore { return &ArtifactStore{db: db} }

func (s *ArtifactStore) Create(ctx context.Context, a *artifact.Artifact) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO artifacts (id, task_id, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Type, jsonutil.MustMarshal(a.Data), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", a.ID, err)
	}
	return nil
}

func scanArtifact(row interface{ Scan(...any) error }) (*artifact.Artifact, error) {
	var a artifact.Artifact
	var dataRaw []byte
	var createdAt string
	if err := row.Scan(&a.ID, &a.TaskID, &a.Type, &dataRaw, &createdAt); err != nil {
		return nil, err
	}
	a.Data = jsonutil.ParseOrFallback[map[string]any](dataRaw, nil)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *ArtifactStore) ListByTask(ctx context.Context, taskID string) ([]*artifact.Artifact, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, task_id, type, data, created_at FROM artifacts WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []*artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ArtifactStore) ListByTaskAndType(ctx context.Context, taskID string, t artifact.Type) ([]*artifact.Artifact, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, task_id, type, data, created_at FROM artifacts WHERE task_id = ? AND type = ? ORDER BY created_at ASC`, taskID, t)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s by type: %w", taskID, err)
	}
	defer rows.Close()
	var out []*artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ArtifactStore) DeleteByTask(ctx context.Context, taskID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM artifacts WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete artifacts for %s: %w", taskID, err)
	}
	return nil
}
