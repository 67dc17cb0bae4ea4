package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/shared/clock"
)

type fakeAgentRunStore struct {
	mu   sync.Mutex
	runs map[string]*agentrun.AgentRun
}

func newFakeAgentRunStore(runs ...*agentrun.AgentRun) *fakeAgentRunStore {
	s := &fakeAgentRunStore{runs: map[string]*agentrun.AgentRun{}}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return s
}

func (s *fakeAgentRunStore) Create(context.Context, *agentrun.AgentRun) error { return nil }
func (s *fakeAgentRunStore) Get(_ context.Context, id string) (*agentrun.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id], nil
}
func (s *fakeAgentRunStore) Update(_ context.Context, r *agentrun.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}
func (s *fakeAgentRunStore) ListByTask(context.Context, string) ([]*agentrun.AgentRun, error) {
	return nil, nil
}
func (s *fakeAgentRunStore) ListByStatus(_ context.Context, status agentrun.Status) ([]*agentrun.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*agentrun.AgentRun
	for _, r := range s.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}
func (s *fakeAgentRunStore) CountByOutcome(context.Context, string, string) (int, error) { return 0, nil }
func (s *fakeAgentRunStore) CountRunning(context.Context, string) (int, error)           { return 0, nil }

type fakeEventStore struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *fakeEventStore) Append(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}
func (s *fakeEventStore) ListByTask(context.Context, string, int) ([]*event.Event, error) {
	return nil, nil
}
func (s *fakeEventStore) DeleteByTask(context.Context, string) error { return nil }

func (s *fakeEventStore) snapshot() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*event.Event, len(s.events))
	copy(out, s.events)
	return out
}

type fakeExecutor struct {
	mu      sync.Mutex
	live    map[string]struct{}
	stopped []string
}

func (e *fakeExecutor) LiveRunIDs() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]struct{}, len(e.live))
	for k := range e.live {
		out[k] = struct{}{}
	}
	return out
}

func (e *fakeExecutor) Stop(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, runID)
	return nil
}

func TestTick_GhostRunIsMarkedInterruptedAndEmitsGhostEvent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)

	run := &agentrun.AgentRun{ID: "run-1", TaskID: "task-1", Status: agentrun.StatusRunning, StartedAt: now}
	runs := newFakeAgentRunStore(run)
	events := &fakeEventStore{}
	exec := &fakeExecutor{live: map[string]struct{}{}} // run-1 absent: it's a ghost

	s := New(Config{}, runs, events, exec, fc, nil)
	s.tick(context.Background())

	updated, _ := runs.Get(context.Background(), "run-1")
	require.NotNil(t, updated)
	assert.Equal(t, agentrun.StatusFailed, updated.Status)
	assert.Equal(t, "interrupted", updated.Outcome)

	found := false
	for _, e := range events.snapshot() {
		if e.TaskID == "task-1" {
			found = true
			assert.Contains(t, e.Message, "Ghost run")
			assert.Equal(t, event.SeverityWarning, e.Severity)
		}
	}
	assert.True(t, found, "expected a TaskEvent to be emitted for the ghost run")
}

func TestTick_LiveRunUnderTimeoutIsLeftAlone(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)

	run := &agentrun.AgentRun{ID: "run-2", TaskID: "task-2", Status: agentrun.StatusRunning, StartedAt: now, TimeoutMs: 600000}
	runs := newFakeAgentRunStore(run)
	events := &fakeEventStore{}
	exec := &fakeExecutor{live: map[string]struct{}{"run-2": {}}}

	s := New(Config{}, runs, events, exec, fc, nil)
	s.tick(context.Background())

	updated, _ := runs.Get(context.Background(), "run-2")
	assert.Equal(t, agentrun.StatusRunning, updated.Status)
	assert.Empty(t, events.snapshot())
}

func TestTick_LiveRunPastTimeoutIsStoppedAndMarkedTimedOut(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)

	run := &agentrun.AgentRun{ID: "run-3", TaskID: "task-3", Status: agentrun.StatusRunning, StartedAt: start, TimeoutMs: 1000}
	runs := newFakeAgentRunStore(run)
	events := &fakeEventStore{}
	exec := &fakeExecutor{live: map[string]struct{}{"run-3": {}}}

	fc.Advance(2 * time.Second)

	s := New(Config{}, runs, events, exec, fc, nil)
	s.tick(context.Background())

	updated, _ := runs.Get(context.Background(), "run-3")
	assert.Equal(t, agentrun.StatusTimedOut, updated.Status)

	exec.mu.Lock()
	assert.Contains(t, exec.stopped, "run-3")
	exec.mu.Unlock()
}

func TestTick_NoRunningRowsIsANoop(t *testing.T) {
	runs := newFakeAgentRunStore()
	events := &fakeEventStore{}
	exec := &fakeExecutor{live: map[string]struct{}{}}

	s := New(Config{}, runs, events, exec, clock.Real, nil)
	assert.NotPanics(t, func() { s.tick(context.Background()) })
	assert.Empty(t, events.snapshot())
}

func TestStartStop_IdempotentAndStoppable(t *testing.T) {
	runs := newFakeAgentRunStore()
	events := &fakeEventStore{}
	exec := &fakeExecutor{live: map[string]struct{}{}}

	s := New(Config{TickInterval: 10 * time.Millisecond}, runs, events, exec, clock.Real, nil)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second Start before Stop must be a no-op, not a second goroutine leak

	time.Sleep(30 * time.Millisecond)

	s.Stop()
	s.Stop() // Stop without an active run must also be a no-op
}
