package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/prompt"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// PromptStore implements prompt.Store on top of the pending_prompts table.
type PromptStore struct {
	db *DB
}

// NewPromptStore constructs a PromptStore.
func NewPromptStore(db *DB) *PromptStore { return &PromptStore{db: db} }

var errPromptNotFound = errors.New("prompt: not found")

const promptColumns = `id, task_id, agent_run_id, prompt_type, payload, status, answer, created_at`

func (s *PromptStore) Create(ctx context.Context, p *prompt.PendingPrompt) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO pending_prompts (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TaskID, p.AgentRunID, p.PromptType, jsonutil.MustMarshal(p.Payload), p.Status,
		nullableJSON(p.Response), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create prompt %s: %w", p.ID, err)
	}
	return nil
}

func scanPrompt(row interface{ Scan(...any) error }) (*prompt.PendingPrompt, error) {
	var p prompt.PendingPrompt
	var payloadRaw, answerRaw []byte
	var createdAt string
	if err := row.Scan(&p.ID, &p.TaskID, &p.AgentRunID, &p.PromptType, &payloadRaw, &p.Status, &answerRaw, &createdAt); err != nil {
		return nil, err
	}
	p.Payload = jsonutil.ParseOrFallback[map[string]any](payloadRaw, nil)
	if len(answerRaw) > 0 {
		p.Response = jsonutil.ParseOrFallback[map[string]any](answerRaw, nil)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *PromptStore) Get(ctx context.Context, id string) (*prompt.PendingPrompt, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM pending_prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errPromptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt %s: %w", id, err)
	}
	return p, nil
}

func (s *PromptStore) ListByTask(ctx context.Context, taskID string) ([]*prompt.PendingPrompt, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+promptColumns+` FROM pending_prompts WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list prompts for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []*prompt.PendingPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PromptStore) Answer(ctx context.Context, id string, response map[string]any) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE pending_prompts SET status = ?, answer = ? WHERE id = ?`,
		prompt.StatusAnswered, jsonutil.MustMarshal(response), id)
	if err != nil {
		return fmt.Errorf("answer prompt %s: %w", id, err)
	}
	return checkRowsAffected(res, errPromptNotFound)
}

func (s *PromptStore) ExpireByAgentRun(ctx context.Context, agentRunID string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE pending_prompts SET status = ? WHERE agent_run_id = ? AND status = ?`,
		prompt.StatusExpired, agentRunID, prompt.StatusPending)
	if err != nil {
		return fmt.Errorf("expire prompts for run %s: %w", agentRunID, err)
	}
	return nil
}

func nullableJSON(m map[string]any) any {
	if m == nil {
		return nil
	}
	return jsonutil.MustMarshal(m)
}
