// Package workflow exposes the thin orchestration API external callers
// (CLI, HTTP API, UI) drive the system through, logging every state-changing
// call as an activity event on top of whatever the Pipeline Engine/Agent
// Executor already emit. The read-only AvailableTransitions and CheckGuards
// log nothing.
package workflow

import (
	"context"

	"github.com/elephantci/orchestrator/internal/app/executor"
	pipelineapp "github.com/elephantci/orchestrator/internal/app/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/event"
	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/shared/clock"
	"github.com/elephantci/orchestrator/internal/shared/errs"
	"github.com/elephantci/orchestrator/internal/shared/ids"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// Workflow is the facade external callers use: it never bypasses the
// Pipeline Engine or Agent Executor, it only wraps them with lookups and
// an activity trail.
type Workflow struct {
	tasks    task.Store
	engine   *pipelineapp.Engine
	executor *executor.Executor
	events   event.Store
	clock    clock.Clock
	logger   logging.Logger
}

// New constructs a Workflow facade.
func New(tasks task.Store, engine *pipelineapp.Engine, ex *executor.Executor, events event.Store, clk clock.Clock, logger logging.Logger) *Workflow {
	if clk == nil {
		clk = clock.Real
	}
	return &Workflow{
		tasks:    tasks,
		engine:   engine,
		executor: ex,
		events:   events,
		clock:    clk,
		logger:   logging.OrNop(logger).With("component", "Workflow"),
	}
}

// Transition drives a manual transition by destination status.
func (w *Workflow) Transition(ctx context.Context, taskID, toStatus, actor string) (pipelineapp.Result, error) {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return pipelineapp.Result{}, errs.NotFound("load task "+taskID, err)
	}
	res := w.engine.ExecuteTransition(ctx, t, toStatus, pipelineapp.TransitionContext{
		Trigger: domainpipeline.TriggerManual,
		Actor:   actor,
	})
	w.logActivity(ctx, taskID, "transition", actor, map[string]any{"toStatus": toStatus, "success": res.Success})
	return res, nil
}

// ForceTransition bypasses guards — an operator escape hatch.
func (w *Workflow) ForceTransition(ctx context.Context, taskID, toStatus, actor string) (pipelineapp.Result, error) {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return pipelineapp.Result{}, errs.NotFound("load task "+taskID, err)
	}
	res := w.engine.ExecuteForceTransition(ctx, t, toStatus, pipelineapp.TransitionContext{
		Trigger: domainpipeline.TriggerManual,
		Actor:   actor,
	})
	w.logActivity(ctx, taskID, "force_transition", actor, map[string]any{"toStatus": toStatus, "success": res.Success})
	return res, nil
}

// TransitionByOutcome drives an agent-outcome-routed transition: the
// destination status is whatever the pipeline routes the outcome to.
func (w *Workflow) TransitionByOutcome(ctx context.Context, taskID, outcome string, data map[string]any) (pipelineapp.Result, error) {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return pipelineapp.Result{}, errs.NotFound("load task "+taskID, err)
	}
	res := w.engine.ExecuteAgentOutcome(ctx, t, outcome, pipelineapp.TransitionContext{
		Trigger: domainpipeline.TriggerAgent,
		Data:    data,
	})
	w.logActivity(ctx, taskID, "transition_by_outcome", "agent", map[string]any{"outcome": outcome, "success": res.Success})
	return res, nil
}

// StartAgent kicks off an agent run for a task outside of a hook (e.g. a
// user clicking "retry").
func (w *Workflow) StartAgent(ctx context.Context, taskID, mode, agentType string, callbacks *executor.Callbacks) (*agentrun.AgentRun, error) {
	run, err := w.executor.Execute(ctx, taskID, mode, agentType, callbacks)
	w.logActivity(ctx, taskID, "start_agent", "", map[string]any{"mode": mode, "agentType": agentType, "err": errString(err)})
	return run, err
}

// StopAgent cancels a live agent run.
func (w *Workflow) StopAgent(ctx context.Context, taskID, runID string) error {
	err := w.executor.Stop(runID)
	w.logActivity(ctx, taskID, "stop_agent", "", map[string]any{"runId": runID, "err": errString(err)})
	return err
}

// QueueMessage enqueues a follow-up message for a task's in-flight or next
// agent run.
func (w *Workflow) QueueMessage(taskID, text string) {
	w.executor.QueueMessage(taskID, text)
	w.logActivity(context.Background(), taskID, "queue_message", "", map[string]any{"length": len(text)})
}

// AvailableTransitions lists every transition valid from the task's current
// status, grouped by trigger, for UI affordance decisions. Guards are not
// evaluated; CheckGuards does that for one candidate transition.
func (w *Workflow) AvailableTransitions(ctx context.Context, taskID string) (domainpipeline.GroupedTransitions, error) {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return domainpipeline.GroupedTransitions{}, errs.NotFound("load task "+taskID, err)
	}
	return w.engine.GetAllTransitions(ctx, t)
}

// CheckGuards dry-runs guard evaluation for a candidate manual transition
// without committing anything.
func (w *Workflow) CheckGuards(ctx context.Context, taskID, toStatus string) (*pipelineapp.GuardCheckResult, error) {
	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, errs.NotFound("load task "+taskID, err)
	}
	return w.engine.CheckGuards(ctx, t, toStatus, domainpipeline.TriggerManual)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (w *Workflow) logActivity(ctx context.Context, taskID, action, actor string, data map[string]any) {
	if w.events == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	if actor != "" {
		data["actor"] = actor
	}
	ev := &event.Event{
		ID:        ids.NewEventID(),
		TaskID:    taskID,
		Category:  "activity",
		Severity:  event.SeverityInfo,
		Message:   "workflow action: " + action,
		Data:      data,
		CreatedAt: w.clock.Now(),
	}
	if err := w.events.Append(ctx, ev); err != nil {
		w.logger.Warn("failed to log activity", "task", taskID, "action", action, "err", err)
	}
}
