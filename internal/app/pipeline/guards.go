package pipeline

import (
	"context"

	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
)

// RegisterBuiltinGuards installs the built-in guard set. agentRuns is used
// by no_running_agent/max_retries; pass nil to skip those two (they'll
// synthesize "unregistered" if referenced, same as any other missing guard
// would).
func RegisterBuiltinGuards(e *Engine, agentRuns agentrun.Store) {
	e.RegisterGuard("has_pr", guardHasPR)
	e.RegisterGuard("dependencies_resolved", guardDependenciesResolved)
	e.RegisterGuard("has_pending_phases", guardHasPendingPhases)
	if agentRuns != nil {
		e.RegisterGuard("no_running_agent", guardNoRunningAgent(agentRuns))
		e.RegisterGuard("max_retries", guardMaxRetries(agentRuns))
	}
}

func guardHasPR(_ context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, _ task.Tx, _ map[string]any) GuardCheck {
	if t.PRLink != "" {
		return GuardCheck{Guard: "has_pr", Allowed: true}
	}
	return GuardCheck{Guard: "has_pr", Allowed: false, Reason: "Task must have a PR link"}
}

// DependencyStatusLookup resolves a dependency task id to whether its
// current status is a final state — wired by the caller at registration
// time against the real task.Store + pipeline.Store, kept out of the guard
// signature itself so guards stay pure over their declared arguments.
type DependencyStatusLookup func(ctx context.Context, depTaskID string) (isFinal bool, err error)

// guardDependenciesResolved is replaced by RegisterDependenciesResolvedGuard
// once a DependencyStatusLookup is available; by default (no lookup wired)
// it treats a task with no recorded dependencies as trivially satisfied and
// a task with any dependency ids as blocked, favoring a safe default over a
// false pass.
func guardDependenciesResolved(_ context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, _ task.Tx, _ map[string]any) GuardCheck {
	deps, _ := t.Metadata["dependsOn"]
	if deps == "" {
		return GuardCheck{Guard: "dependencies_resolved", Allowed: true}
	}
	return GuardCheck{Guard: "dependencies_resolved", Allowed: false, Reason: "dependency resolution not wired"}
}

// RegisterDependenciesResolvedGuard overrides the default dependencies_resolved
// guard with one backed by a real lookup of dependency task ids (taken from
// t.Metadata["dependsOn"], a comma-separated list of task ids — there is no
// dedicated dependency edge store).
func RegisterDependenciesResolvedGuard(e *Engine, lookup DependencyStatusLookup, splitDeps func(string) []string) {
	e.RegisterGuard("dependencies_resolved", func(ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext, tx task.Tx, params map[string]any) GuardCheck {
		raw := t.Metadata["dependsOn"]
		if raw == "" {
			return GuardCheck{Guard: "dependencies_resolved", Allowed: true}
		}
		unresolved := 0
		for _, id := range splitDeps(raw) {
			isFinal, err := lookup(ctx, id)
			if err != nil || !isFinal {
				unresolved++
			}
		}
		if unresolved == 0 {
			return GuardCheck{Guard: "dependencies_resolved", Allowed: true}
		}
		return GuardCheck{Guard: "dependencies_resolved", Allowed: false, Reason: "dependencies not resolved"}
	})
}

func guardHasPendingPhases(_ context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, _ task.Tx, _ map[string]any) GuardCheck {
	if t.HasPendingPhases() {
		return GuardCheck{Guard: "has_pending_phases", Allowed: true}
	}
	return GuardCheck{Guard: "has_pending_phases", Allowed: false, Reason: "no pending phases"}
}

func guardNoRunningAgent(store agentrun.Store) GuardFunc {
	return func(ctx context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, _ task.Tx, _ map[string]any) GuardCheck {
		n, err := store.CountRunning(ctx, t.ID)
		if err != nil {
			return GuardCheck{Guard: "no_running_agent", Allowed: false, Reason: "failed to check running agents: " + err.Error()}
		}
		if n == 0 {
			return GuardCheck{Guard: "no_running_agent", Allowed: true}
		}
		return GuardCheck{Guard: "no_running_agent", Allowed: false, Reason: "an agent run is already in progress"}
	}
}

func guardMaxRetries(store agentrun.Store) GuardFunc {
	return func(ctx context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, _ task.Tx, params map[string]any) GuardCheck {
		maxAttempts := 3
		if v, ok := params["max"]; ok {
			if n, ok := toInt(v); ok {
				maxAttempts = n
			}
		}
		n, err := store.CountByOutcome(ctx, t.ID, "failed")
		if err != nil {
			return GuardCheck{Guard: "max_retries", Allowed: false, Reason: "failed to count retries: " + err.Error()}
		}
		if n <= maxAttempts {
			return GuardCheck{Guard: "max_retries", Allowed: true}
		}
		return GuardCheck{Guard: "max_retries", Allowed: false, Reason: "max retries exceeded"}
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
