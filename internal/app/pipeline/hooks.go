package pipeline

import (
	"context"
	"fmt"
	"strings"

	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
)

// AgentStarter enqueues an agent execution — backed by the Agent Executor.
type AgentStarter interface {
	StartAgent(ctx context.Context, taskID, mode, agentType string) error
}

// PromptCreator materializes a PendingPrompt from hook/context data.
type PromptCreator interface {
	CreatePrompt(ctx context.Context, taskID, agentRunID, promptType string, payload map[string]any) error
}

// Notifier delivers a rendered notification.
type Notifier interface {
	Notify(ctx context.Context, taskID, title, body string) error
}

// ScmHook is the subset of SCM capability the built-in hooks need.
type ScmHook interface {
	PushAndCreatePR(ctx context.Context, taskID string) (prLink string, err error)
	MergePR(ctx context.Context, taskID, prLink string) error
}

// WorktreeDeleter deletes (idempotently) the worktree for a task.
type WorktreeDeleter interface {
	Delete(ctx context.Context, taskID string) error
}

// BuiltinHookDeps bundles the external collaborators the built-in hooks
// need. Any nil field degrades that hook to a no-op failure, never a panic.
type BuiltinHookDeps struct {
	Agents    AgentStarter
	Prompts   PromptCreator
	Notifier  Notifier
	Scm       ScmHook
	Worktrees WorktreeDeleter
}

// RegisterBuiltinHooks installs the built-in hook set. engine is the same
// *Engine deps are registered on — advance_phase needs it to synthesize the
// system transition back to the implementation state.
func RegisterBuiltinHooks(e *Engine, deps BuiltinHookDeps) {
	e.RegisterHook("start_agent", hookStartAgent(deps.Agents))
	e.RegisterHook("create_prompt", hookCreatePrompt(deps.Prompts))
	e.RegisterHook("notify", hookNotify(deps.Notifier))
	e.RegisterHook("push_and_create_pr", hookPushAndCreatePR(deps.Scm))
	e.RegisterHook("merge_pr", hookMergePR(deps.Scm, deps.Worktrees))
	e.RegisterHook("advance_phase", hookAdvancePhase(e, deps.Worktrees))
}

func hookStartAgent(agents AgentStarter) HookFunc {
	return func(ctx context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, params map[string]any) HookResult {
		if agents == nil {
			return HookResult{Success: false, Error: fmt.Errorf("no AgentStarter configured")}
		}
		mode, _ := params["mode"].(string)
		agentType, _ := params["agentType"].(string)
		if err := agents.StartAgent(ctx, t.ID, mode, agentType); err != nil {
			return HookResult{Success: false, Error: err}
		}
		return HookResult{Success: true}
	}
}

func hookCreatePrompt(prompts PromptCreator) HookFunc {
	return func(ctx context.Context, t *task.Task, _ domainpipeline.Transition, tc TransitionContext, params map[string]any) HookResult {
		if prompts == nil {
			return HookResult{Success: false, Error: fmt.Errorf("no PromptCreator configured")}
		}
		var payload map[string]any
		var agentRunID string
		if tc.Data != nil {
			if p, ok := tc.Data["payload"].(map[string]any); ok {
				payload = p
			}
			if id, ok := tc.Data["agentRunId"].(string); ok {
				agentRunID = id
			}
		}
		promptType, _ := params["resumeOutcome"].(string)
		if promptType == "" {
			promptType = "resume"
		}
		if err := prompts.CreatePrompt(ctx, t.ID, agentRunID, promptType, payload); err != nil {
			return HookResult{Success: false, Error: err}
		}
		return HookResult{Success: true}
	}
}

func hookNotify(notifier Notifier) HookFunc {
	return func(ctx context.Context, t *task.Task, tr domainpipeline.Transition, _ TransitionContext, params map[string]any) HookResult {
		if notifier == nil {
			return HookResult{Success: false, Error: fmt.Errorf("no Notifier configured")}
		}
		titleTmpl, _ := params["titleTemplate"].(string)
		bodyTmpl, _ := params["bodyTemplate"].(string)
		vars := map[string]string{
			"taskTitle":  t.Title,
			"fromStatus": tr.From,
			"toStatus":   tr.To,
		}
		title := substituteTemplateVars(titleTmpl, vars)
		body := substituteTemplateVars(bodyTmpl, vars)
		if err := notifier.Notify(ctx, t.ID, title, body); err != nil {
			return HookResult{Success: false, Error: err}
		}
		return HookResult{Success: true}
	}
}

// substituteTemplateVars replaces {key} placeholders using function-based
// (identity-preserving) replacement, never a pattern-interpreting one, so
// literal "$" sequences in user content are never reinterpreted.
func substituteTemplateVars(tmpl string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func hookPushAndCreatePR(scm ScmHook) HookFunc {
	return func(ctx context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, _ map[string]any) HookResult {
		if scm == nil {
			return HookResult{Success: false, Error: fmt.Errorf("no ScmHook configured")}
		}
		prLink, err := scm.PushAndCreatePR(ctx, t.ID)
		if err != nil {
			return HookResult{Success: false, Error: err}
		}
		t.PRLink = prLink
		return HookResult{Success: true}
	}
}

func hookMergePR(scm ScmHook, worktrees WorktreeDeleter) HookFunc {
	return func(ctx context.Context, t *task.Task, _ domainpipeline.Transition, _ TransitionContext, _ map[string]any) HookResult {
		if scm == nil {
			return HookResult{Success: false, Error: fmt.Errorf("no ScmHook configured")}
		}
		if err := scm.MergePR(ctx, t.ID, t.PRLink); err != nil {
			return HookResult{Success: false, Error: err}
		}
		if worktrees != nil {
			if err := worktrees.Delete(ctx, t.ID); err != nil {
				return HookResult{Success: false, Error: err}
			}
		}
		return HookResult{Success: true}
	}
}

func hookAdvancePhase(e *Engine, worktrees WorktreeDeleter) HookFunc {
	return func(ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext, _ map[string]any) HookResult {
		if len(t.Phases) == 0 {
			// Flat task: nothing to advance. Pipelines attach this hook
			// unconditionally, so a phase-less task passes through.
			return HookResult{Success: true}
		}
		active := t.ActivePhase()
		if active == nil {
			return HookResult{Success: false, Error: fmt.Errorf("advance_phase: no active phase")}
		}
		active.Status = task.PhaseCompleted
		active.PRLink = t.PRLink

		next := t.NextPendingPhase()
		if next != nil {
			next.Status = task.PhaseInProgress
		}

		t.PRLink = ""
		t.BranchName = ""

		if worktrees != nil {
			if err := worktrees.Delete(ctx, t.ID); err != nil {
				return HookResult{Success: false, Error: err}
			}
		}

		if next == nil {
			// Final phase completed; no further implementation transition.
			return HookResult{Success: true}
		}

		res := e.ExecuteTransition(ctx, t, implementingStatusFor(tr), TransitionContext{
			Trigger: domainpipeline.TriggerSystem,
			Actor:   "system:advance_phase",
		})
		if !res.Success {
			return HookResult{Success: false, Error: fmt.Errorf("advance_phase system transition failed: %s", res.Error)}
		}
		return HookResult{Success: true}
	}
}

// implementingStatusFor picks the target status for the post-advance
// system transition. Pipelines name their implementation state
// "implementing" by convention; a pipeline using a different name for it
// should instead drive advance_phase through its own pipeline-specific hook
// rather than this built-in.
func implementingStatusFor(_ domainpipeline.Transition) string {
	return "implementing"
}
