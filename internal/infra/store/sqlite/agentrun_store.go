package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/shared/jsonutil"
)

// AgentRunStore implements agentrun.Store on top of the agent_runs table.
type AgentRunStore struct {
	db *DB
}

// NewAgentRunStore constructs an AgentRunStore.
func NewAgentRunStore(db *DB) *AgentRunStore { return &AgentRunStore{db: db} }

var errAgentRunNotFound = errors.New("agentrun: not found")

const agentRunColumns = `id, task_id, agent_type, mode, status, output, outcome, payload, exit_code,
	started_at, completed_at, input_tokens, output_tokens, message_count, timeout_ms, max_turns, prompt, error,
	run_dir, pid`

func (s *AgentRunStore) Create(ctx context.Context, r *agentrun.AgentRun) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO agent_runs (`+agentRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.AgentType, r.Mode, r.Status, r.Output, nullableString(r.Outcome),
		jsonutil.MustMarshal(r.Payload), r.ExitCode, formatTime(r.StartedAt), nullableTime(r.CompletedAt),
		r.InputTokens, r.OutputTokens, r.MessageCount, r.TimeoutMs, r.MaxTurns,
		nullableString(r.Prompt), nullableString(r.Error), nullableString(r.RunDir), nullableInt(r.PID))
	if err != nil {
		return fmt.Errorf("create agent run %s: %w", r.ID, err)
	}
	return nil
}

func scanAgentRun(row interface{ Scan(...any) error }) (*agentrun.AgentRun, error) {
	var r agentrun.AgentRun
	var outcome, prompt, errStr, runDir sql.NullString
	var pid sql.NullInt64
	var payloadRaw []byte
	var completedAt sql.NullString
	var startedAt string

	if err := row.Scan(&r.ID, &r.TaskID, &r.AgentType, &r.Mode, &r.Status, &r.Output, &outcome,
		&payloadRaw, &r.ExitCode, &startedAt, &completedAt, &r.InputTokens, &r.OutputTokens,
		&r.MessageCount, &r.TimeoutMs, &r.MaxTurns, &prompt, &errStr, &runDir, &pid); err != nil {
		return nil, err
	}
	r.Outcome = outcome.String
	r.Prompt = prompt.String
	r.Error = errStr.String
	r.RunDir = runDir.String
	r.PID = int(pid.Int64)
	r.Payload = jsonutil.ParseOrFallback[map[string]any](payloadRaw, nil)
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *AgentRunStore) Get(ctx context.Context, id string) (*agentrun.AgentRun, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE id = ?`, id)
	r, err := scanAgentRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errAgentRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent run %s: %w", id, err)
	}
	return r, nil
}

func (s *AgentRunStore) Update(ctx context.Context, r *agentrun.AgentRun) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE agent_runs SET status=?, output=?, outcome=?, payload=?, exit_code=?, completed_at=?,
			input_tokens=?, output_tokens=?, message_count=?, prompt=?, error=?, run_dir=?, pid=?
		WHERE id=?`,
		r.Status, r.Output, nullableString(r.Outcome), jsonutil.MustMarshal(r.Payload), r.ExitCode,
		nullableTime(r.CompletedAt), r.InputTokens, r.OutputTokens, r.MessageCount,
		nullableString(r.Prompt), nullableString(r.Error), nullableString(r.RunDir), nullableInt(r.PID), r.ID)
	if err != nil {
		return fmt.Errorf("update agent run %s: %w", r.ID, err)
	}
	return checkRowsAffected(res, errAgentRunNotFound)
}

func (s *AgentRunStore) ListByTask(ctx context.Context, taskID string) ([]*agentrun.AgentRun, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE task_id = ? ORDER BY started_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs for %s: %w", taskID, err)
	}
	defer rows.Close()
	return scanAgentRuns(rows)
}

func (s *AgentRunStore) ListByStatus(ctx context.Context, status agentrun.Status) ([]*agentrun.AgentRun, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE status = ? ORDER BY started_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list agent runs by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanAgentRuns(rows)
}

func scanAgentRuns(rows *sql.Rows) ([]*agentrun.AgentRun, error) {
	var out []*agentrun.AgentRun
	for rows.Next() {
		r, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AgentRunStore) CountByOutcome(ctx context.Context, taskID, outcome string) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE task_id = ? AND outcome = ?`, taskID, outcome).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agent runs by outcome for %s: %w", taskID, err)
	}
	return n, nil
}

func (s *AgentRunStore) CountRunning(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE task_id = ? AND status = ?`, taskID, agentrun.StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running agent runs for %s: %w", taskID, err)
	}
	return n, nil
}
