package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/domain/history"
	"github.com/elephantci/orchestrator/internal/domain/prompt"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/domain/worktree"
	"github.com/elephantci/orchestrator/internal/shared/clock"
)

func openTestDB(t *testing.T) (*DB, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	db, err := Open(filepath.Join(t.TempDir(), "orchestrator.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, clk
}

func TestOpenReappliesNoMigrations(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "orchestrator.db")

	db, err := Open(path, clk)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening the same file must find every migration already recorded.
	db, err = Open(path, clk)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:", clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	defer db.Close()

	store := NewTaskStore(db)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t1", ProjectID: "p1", PipelineID: "pl1", Title: "x", Status: "open"}))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)
}

func TestTaskStoreRoundTrip(t *testing.T) {
	db, clk := openTestDB(t)
	store := NewTaskStore(db)
	ctx := context.Background()

	in := &task.Task{
		ID:         "t1",
		ProjectID:  "p1",
		PipelineID: "pl1",
		Title:      "Fix login flow",
		Description: "users get logged out after refresh",
		Status:     "open",
		Priority:   2,
		Tags:       []string{"bug", "auth"},
		Assignee:   "alice",
		PlanText:   "1. reproduce\n2. fix",
		Subtasks: []task.Subtask{
			{Name: "reproduce", Status: task.SubtaskDone},
			{Name: "fix session refresh", Status: task.SubtaskInProgress},
		},
		Metadata: map[string]string{"dependsOn": "t0"},
	}
	require.NoError(t, store.Create(ctx, in))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, in.Tags, got.Tags)
	assert.Equal(t, in.Subtasks, got.Subtasks)
	assert.Equal(t, in.Metadata, got.Metadata)
	assert.Equal(t, "alice", got.Assignee)
	assert.True(t, got.CreatedAt.Equal(clk.Now()))

	got.Status = "in_progress"
	got.PRLink = "https://example.test/pr/1"
	clk.Advance(time.Minute)
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", again.Status)
	assert.Equal(t, "https://example.test/pr/1", again.PRLink)
	assert.True(t, again.UpdatedAt.After(again.CreatedAt))

	rows, err := store.List(ctx, task.ListFilter{ProjectID: "p1", Status: "in_progress"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = store.List(ctx, task.ListFilter{Status: "done"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, store.Delete(ctx, "t1"))
	_, err = store.Get(ctx, "t1")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestTaskStoreGetMissing(t *testing.T) {
	db, _ := openTestDB(t)
	_, err := NewTaskStore(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestTaskTxCompareAndSetStatus(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewTaskStore(db)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t1", ProjectID: "p1", PipelineID: "pl1", Title: "x", Status: "open"}))

	err := store.WithTx(ctx, func(ctx context.Context, tx task.Tx) error {
		row, err := tx.GetForUpdate(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, "open", row.Status)
		return tx.CompareAndSetStatus(ctx, "t1", "open", "in_progress")
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)

	// Stale expectation: the row is no longer "open".
	err = store.WithTx(ctx, func(ctx context.Context, tx task.Tx) error {
		return tx.CompareAndSetStatus(ctx, "t1", "open", "done")
	})
	assert.ErrorIs(t, err, task.ErrConcurrentModification)

	got, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
}

func TestTaskTxRollsBackOnError(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewTaskStore(db)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &task.Task{ID: "t1", ProjectID: "p1", PipelineID: "pl1", Title: "x", Status: "open"}))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, tx task.Tx) error {
		require.NoError(t, tx.CompareAndSetStatus(ctx, "t1", "open", "in_progress"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)
}

func TestAgentRunStoreCounts(t *testing.T) {
	db, clk := openTestDB(t)
	store := NewAgentRunStore(db)
	ctx := context.Background()

	mk := func(id string, status agentrun.Status, outcome string) *agentrun.AgentRun {
		r := &agentrun.AgentRun{
			ID: id, TaskID: "t1", AgentType: "claude", Mode: "implement",
			Status: status, Outcome: outcome, StartedAt: clk.Now(), TimeoutMs: 5000,
		}
		clk.Advance(time.Second)
		return r
	}
	require.NoError(t, store.Create(ctx, mk("r1", agentrun.StatusRunning, "")))
	require.NoError(t, store.Create(ctx, mk("r2", agentrun.StatusFailed, "failed")))
	require.NoError(t, store.Create(ctx, mk("r3", agentrun.StatusFailed, "failed")))
	require.NoError(t, store.Create(ctx, mk("r4", agentrun.StatusCompleted, "pr_ready")))

	n, err := store.CountRunning(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountByOutcome(ctx, "t1", "failed")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	running, err := store.ListByStatus(ctx, agentrun.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "r1", running[0].ID)

	all, err := store.ListByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	r := running[0]
	r.Status = agentrun.StatusCompleted
	r.Outcome = "plan_complete"
	r.Payload = map[string]any{"plan": "do the thing"}
	now := clk.Now()
	r.CompletedAt = &now
	require.NoError(t, store.Update(ctx, r))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, agentrun.StatusCompleted, got.Status)
	assert.Equal(t, "do the thing", got.Payload["plan"])
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(got.StartedAt))
}

func TestPromptStoreExpireByAgentRun(t *testing.T) {
	db, clk := openTestDB(t)
	store := NewPromptStore(db)
	ctx := context.Background()

	mk := func(id, runID string, status prompt.Status) *prompt.PendingPrompt {
		p := &prompt.PendingPrompt{
			ID: id, TaskID: "t1", AgentRunID: runID, PromptType: "needs_info",
			Payload: map[string]any{"questions": []any{"which env?"}},
			Status:  status, CreatedAt: clk.Now(),
		}
		clk.Advance(time.Second)
		return p
	}
	require.NoError(t, store.Create(ctx, mk("p1", "r1", prompt.StatusPending)))
	require.NoError(t, store.Create(ctx, mk("p2", "r1", prompt.StatusAnswered)))
	require.NoError(t, store.Create(ctx, mk("p3", "r2", prompt.StatusPending)))

	require.NoError(t, store.ExpireByAgentRun(ctx, "r1"))

	p1, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, prompt.StatusExpired, p1.Status)

	// Already-answered prompts are left alone.
	p2, err := store.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, prompt.StatusAnswered, p2.Status)

	// Other runs' prompts are untouched.
	p3, err := store.Get(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, prompt.StatusPending, p3.Status)

	// Expiring again is a no-op.
	require.NoError(t, store.ExpireByAgentRun(ctx, "r1"))

	require.NoError(t, store.Answer(ctx, "p3", map[string]any{"env": "staging"}))
	p3, err = store.Get(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, prompt.StatusAnswered, p3.Status)
	assert.Equal(t, "staging", p3.Response["env"])
}

func TestHistoryStoreRoundTrip(t *testing.T) {
	db, clk := openTestDB(t)
	store := NewHistoryStore(db)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &history.Entry{
		ID: "h1", TaskID: "t1", FromStatus: "open", ToStatus: "in_progress",
		Trigger: "manual", Actor: "alice",
		Guards:    []history.GuardResult{{Guard: "has_pr", Allowed: true}},
		CreatedAt: clk.Now(),
	}))
	clk.Advance(time.Second)
	require.NoError(t, store.Append(ctx, &history.Entry{
		ID: "h2", TaskID: "t1", FromStatus: "in_progress", ToStatus: "done",
		Trigger: "manual", CreatedAt: clk.Now(),
	}))

	rows, err := store.ListByTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "h1", rows[0].ID)
	require.Len(t, rows[0].Guards, 1)
	assert.Equal(t, "has_pr", rows[0].Guards[0].Guard)
}

func TestEventStoreLimit(t *testing.T) {
	db, clk := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()

	for i, sev := range []event.Severity{event.SeverityInfo, event.SeverityWarning, event.SeverityError} {
		require.NoError(t, store.Append(ctx, &event.Event{
			ID: string(rune('a' + i)), TaskID: "t1", Category: "status", Severity: sev,
			Message: "m", CreatedAt: clk.Now(),
		}))
		clk.Advance(time.Second)
	}

	rows, err := store.ListByTask(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, store.DeleteByTask(ctx, "t1"))
	rows, err = store.ListByTask(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWorktreeStoreLifecycle(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewWorktreeStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &worktree.Worktree{
		TaskID: "t1", Path: "/tmp/wt/t1", Branch: "task/t1/implement",
	}))

	w, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.False(t, w.Locked)

	require.NoError(t, store.SetLocked(ctx, "t1", true))
	w, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, w.Locked)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "t1"))
	require.NoError(t, store.Delete(ctx, "t1")) // idempotent

	_, err = store.Get(ctx, "t1")
	assert.ErrorIs(t, err, worktree.ErrNotFound)
}
