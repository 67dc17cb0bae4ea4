// Package pipeline implements the Pipeline Engine: transition lookup,
// transactional guard evaluation, status commit, and post-commit ordered
// hook execution under three failure policies.
package pipeline

import (
	"context"

	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
)

// TransitionContext carries the caller-supplied context for a transition
// attempt: what triggered it, who asked for it, and any routing data.
type TransitionContext struct {
	Trigger domainpipeline.Trigger
	Actor   string
	Data    map[string]any
}

// GuardCheck is one guard's verdict.
type GuardCheck struct {
	Guard   string
	Allowed bool
	Reason  string
}

// GuardCheckResult is the dry-run output of checkGuards.
type GuardCheckResult struct {
	Transition domainpipeline.Transition
	Checks     []GuardCheck
}

// AllAllowed reports whether every guard in the result passed.
func (r GuardCheckResult) AllAllowed() bool {
	for _, c := range r.Checks {
		if !c.Allowed {
			return false
		}
	}
	return true
}

// HookFailure records one hook's failure for surfacing on the Result.
type HookFailure struct {
	Hook   string
	Policy domainpipeline.HookPolicy
	Error  string
}

// Result is the outcome of executeTransition/executeForceTransition.
type Result struct {
	Success       bool
	Task          *task.Task
	GuardFailures []GuardCheck
	HookFailures  []HookFailure
	Error         string
}

// GuardFunc is a pure, transactional predicate gating a transition. It must
// not block on I/O, spawn agents, or call back into the engine.
type GuardFunc func(ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext, txStore task.Tx, params map[string]any) GuardCheck

// HookResult is what a hook reports back to the engine.
type HookResult struct {
	Success bool
	Error   error
}

// HookFunc is a side-effecting action run after a successful status update.
type HookFunc func(ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext, params map[string]any) HookResult
