package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
)

// fakeAgentRunStore is a minimal in-memory agentrun.Store double for guard
// unit tests; only the methods the guards call are exercised.
type fakeAgentRunStore struct {
	running    int
	failedRuns int
}

func (f *fakeAgentRunStore) Create(context.Context, *agentrun.AgentRun) error { return nil }
func (f *fakeAgentRunStore) Get(context.Context, string) (*agentrun.AgentRun, error) {
	return nil, nil
}
func (f *fakeAgentRunStore) Update(context.Context, *agentrun.AgentRun) error { return nil }
func (f *fakeAgentRunStore) ListByTask(context.Context, string) ([]*agentrun.AgentRun, error) {
	return nil, nil
}
func (f *fakeAgentRunStore) ListByStatus(context.Context, agentrun.Status) ([]*agentrun.AgentRun, error) {
	return nil, nil
}
func (f *fakeAgentRunStore) CountByOutcome(_ context.Context, _ string, outcome string) (int, error) {
	if outcome == "failed" {
		return f.failedRuns, nil
	}
	return 0, nil
}
func (f *fakeAgentRunStore) CountRunning(context.Context, string) (int, error) {
	return f.running, nil
}

func emptyTC() TransitionContext { return TransitionContext{} }

func TestGuardHasPR(t *testing.T) {
	withPR := &task.Task{PRLink: "https://example.com/pr/1"}
	check := guardHasPR(context.Background(), withPR, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.True(t, check.Allowed)

	withoutPR := &task.Task{}
	check = guardHasPR(context.Background(), withoutPR, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.False(t, check.Allowed)
	assert.NotEmpty(t, check.Reason)
}

func TestGuardHasPendingPhases(t *testing.T) {
	withPending := &task.Task{Phases: []task.ImplementationPhase{
		{Name: "one", Status: task.PhaseCompleted},
		{Name: "two", Status: task.PhasePending},
	}}
	check := guardHasPendingPhases(context.Background(), withPending, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.True(t, check.Allowed)

	allDone := &task.Task{Phases: []task.ImplementationPhase{
		{Name: "one", Status: task.PhaseCompleted},
	}}
	check = guardHasPendingPhases(context.Background(), allDone, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.False(t, check.Allowed)
}

func TestGuardNoRunningAgent(t *testing.T) {
	guard := guardNoRunningAgent(&fakeAgentRunStore{running: 0})
	check := guard(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.True(t, check.Allowed)

	guard = guardNoRunningAgent(&fakeAgentRunStore{running: 1})
	check = guard(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.False(t, check.Allowed)
}

func TestGuardMaxRetries_BoundaryIsInclusive(t *testing.T) {
	// count <= max passes; only count > max blocks.
	guard := guardMaxRetries(&fakeAgentRunStore{failedRuns: 3})
	check := guard(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, emptyTC(), nil, map[string]any{"max": 3})
	assert.True(t, check.Allowed, "count equal to max must still pass")

	guard = guardMaxRetries(&fakeAgentRunStore{failedRuns: 4})
	check = guard(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, emptyTC(), nil, map[string]any{"max": 3})
	assert.False(t, check.Allowed, "count exceeding max must fail")
}

func TestGuardMaxRetries_DefaultsToThree(t *testing.T) {
	guard := guardMaxRetries(&fakeAgentRunStore{failedRuns: 3})
	check := guard(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.True(t, check.Allowed)

	guard = guardMaxRetries(&fakeAgentRunStore{failedRuns: 4})
	check = guard(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.False(t, check.Allowed)
}

func TestGuardDependenciesResolved_NoDependsOnMetadata(t *testing.T) {
	noDeps := &task.Task{}
	check := guardDependenciesResolved(context.Background(), noDeps, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.True(t, check.Allowed)
}

func TestRegisterDependenciesResolvedGuard(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil)
	splitDeps := func(s string) []string {
		out := []string{}
		cur := ""
		for _, r := range s {
			if r == ',' {
				out = append(out, cur)
				cur = ""
				continue
			}
			cur += string(r)
		}
		if cur != "" {
			out = append(out, cur)
		}
		return out
	}

	lookup := func(_ context.Context, depTaskID string) (bool, error) {
		return depTaskID == "dep-1", nil
	}
	RegisterDependenciesResolvedGuard(e, lookup, splitDeps)
	fn, ok := e.guards.lookup("dependencies_resolved")
	require.True(t, ok)

	resolved := &task.Task{Metadata: map[string]string{"dependsOn": "dep-1"}}
	check := fn(context.Background(), resolved, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.True(t, check.Allowed)

	unresolved := &task.Task{Metadata: map[string]string{"dependsOn": "dep-1,dep-2"}}
	check = fn(context.Background(), unresolved, domainpipeline.Transition{}, emptyTC(), nil, nil)
	assert.False(t, check.Allowed)
}

func TestRegisterBuiltinGuards_SkipsAgentRunGuardsWhenStoreNil(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil)
	RegisterBuiltinGuards(e, nil)

	_, hasNoRunningAgent := e.guards.lookup("no_running_agent")
	_, hasMaxRetries := e.guards.lookup("max_retries")
	_, hasPR := e.guards.lookup("has_pr")

	assert.False(t, hasNoRunningAgent)
	assert.False(t, hasMaxRetries)
	assert.True(t, hasPR)
}

func TestRegisterBuiltinGuards_IncludesAll(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil)
	RegisterBuiltinGuards(e, &fakeAgentRunStore{})

	for _, name := range []string{"has_pr", "dependencies_resolved", "has_pending_phases", "no_running_agent", "max_retries"} {
		_, ok := e.guards.lookup(name)
		require.Truef(t, ok, "expected guard %q to be registered", name)
	}
}
