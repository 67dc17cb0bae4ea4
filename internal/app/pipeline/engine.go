package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/domain/history"
	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/infra/metrics"
	"github.com/elephantci/orchestrator/internal/shared/clock"
	"github.com/elephantci/orchestrator/internal/shared/ids"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// Engine is the Pipeline Engine: it evaluates transitions, commits status
// changes transactionally, and drives post-commit hooks. It is re-entrant
// but single-writer-per-task — correctness rests on the TOCTOU re-read
// performed by task.Tx.CompareAndSetStatus.
type Engine struct {
	pipelines domainpipeline.Store
	tasks     task.Store
	history   history.Store
	events    event.Store
	clock     clock.Clock
	logger    logging.Logger

	guards *guardRegistry
	hooks  *hookRegistry

	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New constructs an Engine bound to its persistence ports.
func New(pipelines domainpipeline.Store, tasks task.Store, hist history.Store, events event.Store, clk clock.Clock, logger logging.Logger) *Engine {
	if clk == nil {
		clk = clock.Real
	}
	return &Engine{
		pipelines: pipelines,
		tasks:     tasks,
		history:   hist,
		events:    events,
		clock:     clk,
		logger:    logging.OrNop(logger),
		guards:    newGuardRegistry(),
		hooks:     newHookRegistry(),
		tracer:    noop.NewTracerProvider().Tracer("pipeline"),
	}
}

// SetObservability wires a Prometheus metrics sink and an OpenTelemetry
// tracer into the engine. m may be nil (every Record call degrades to a
// no-op); tracer may be nil (the no-op tracer installed by New is kept).
func (e *Engine) SetObservability(m *metrics.Metrics, tracer trace.Tracer) {
	e.metrics = m
	if tracer != nil {
		e.tracer = tracer
	}
}

// RegisterGuard installs or replaces a named guard.
func (e *Engine) RegisterGuard(name string, fn GuardFunc) { e.guards.register(name, fn) }

// RegisterHook installs or replaces a named hook.
func (e *Engine) RegisterHook(name string, fn HookFunc) { e.hooks.register(name, fn) }

func (e *Engine) pipelineFor(ctx context.Context, t *task.Task) (*domainpipeline.Pipeline, error) {
	p, err := e.pipelines.Get(ctx, t.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", t.PipelineID, err)
	}
	return p, nil
}

// GetValidTransitions returns the transitions whose From matches t.Status,
// optionally filtered to a single trigger.
func (e *Engine) GetValidTransitions(ctx context.Context, t *task.Task, trigger *domainpipeline.Trigger) ([]domainpipeline.Transition, error) {
	p, err := e.pipelineFor(ctx, t)
	if err != nil {
		return nil, err
	}
	return p.ValidTransitions(t.Status, trigger), nil
}

// GetAllTransitions returns every transition valid from t.Status, grouped
// by trigger.
func (e *Engine) GetAllTransitions(ctx context.Context, t *task.Task) (domainpipeline.GroupedTransitions, error) {
	p, err := e.pipelineFor(ctx, t)
	if err != nil {
		return domainpipeline.GroupedTransitions{}, err
	}
	return p.AllTransitions(t.Status), nil
}

// CheckGuards dry-runs the guards of the transition matching toStatus
// without mutating any state.
func (e *Engine) CheckGuards(ctx context.Context, t *task.Task, toStatus string, trigger domainpipeline.Trigger) (*GuardCheckResult, error) {
	p, err := e.pipelineFor(ctx, t)
	if err != nil {
		return nil, err
	}
	tr, err := p.FindTransition(t.Status, toStatus, trigger, "")
	if err != nil {
		return nil, err
	}
	tc := TransitionContext{Trigger: trigger}
	checks := e.runGuardsReadOnly(ctx, t, tr, tc)
	return &GuardCheckResult{Transition: tr, Checks: checks}, nil
}

func (e *Engine) runGuardsReadOnly(ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext) []GuardCheck {
	checks := make([]GuardCheck, 0, len(tr.Guards))
	_ = e.tasks.WithTx(ctx, func(ctx context.Context, tx task.Tx) error {
		for _, g := range tr.Guards {
			checks = append(checks, e.evalGuard(ctx, t, tr, tc, tx, g))
		}
		return nil
	})
	return checks
}

func (e *Engine) evalGuard(ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext, tx task.Tx, ref domainpipeline.GuardRef) GuardCheck {
	fn, ok := e.guards.lookup(ref.Name)
	if !ok {
		return GuardCheck{Guard: ref.Name, Allowed: false, Reason: "unregistered"}
	}
	return fn(ctx, t, tr, tc, tx, ref.Params)
}

func agentOutcomeOf(tc TransitionContext) string {
	if tc.Data == nil {
		return ""
	}
	if o, ok := tc.Data["outcome"].(string); ok {
		return o
	}
	return ""
}

// ExecuteTransition is the engine's central operation: evaluate guards
// transactionally, commit the status change, then run hooks.
func (e *Engine) ExecuteTransition(ctx context.Context, t *task.Task, toStatus string, tc TransitionContext) Result {
	return e.execute(ctx, t, toStatus, tc, false)
}

// ExecuteAgentOutcome resolves the agent-triggered transition for outcome
// from t.Status and executes it — the Agent Executor's finalize step calls
// this because it knows only the outcome string, not the destination
// status a pipeline happens to route it to.
func (e *Engine) ExecuteAgentOutcome(ctx context.Context, t *task.Task, outcome string, tc TransitionContext) Result {
	p, err := e.pipelineFor(ctx, t)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	tr, err := p.FindTransitionByOutcome(t.Status, outcome)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if tc.Data == nil {
		tc.Data = map[string]any{}
	}
	tc.Data["outcome"] = outcome
	tc.Trigger = domainpipeline.TriggerAgent
	return e.execute(ctx, t, tr.To, tc, false)
}

// ExecuteForceTransition bypasses guards. toStatus must still be a state
// defined by the pipeline; hooks still run if a matching transition exists.
func (e *Engine) ExecuteForceTransition(ctx context.Context, t *task.Task, toStatus string, tc TransitionContext) Result {
	return e.execute(ctx, t, toStatus, tc, true)
}

func (e *Engine) execute(ctx context.Context, t *task.Task, toStatus string, tc TransitionContext, force bool) Result {
	start := time.Now()
	ctx, span := e.startTransitionSpan(ctx, traceSpanTransition, t,
		attribute.String(traceAttrToStatus, toStatus),
		attribute.String(traceAttrTrigger, string(tc.Trigger)))
	defer span.End()

	result := e.executeLocked(ctx, t, toStatus, tc, force)

	outcome := "success"
	var spanErr error
	if !result.Success {
		outcome = "failure"
		spanErr = errors.New(result.Error)
	}
	markSpanResult(span, spanErr)
	e.metrics.RecordTransition(t.Status, toStatus, string(tc.Trigger), outcome, time.Since(start).Seconds())
	return result
}

func (e *Engine) executeLocked(ctx context.Context, t *task.Task, toStatus string, tc TransitionContext, force bool) Result {
	p, err := e.pipelineFor(ctx, t)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if !p.HasStatus(toStatus) {
		return Result{Success: false, Error: fmt.Sprintf("unknown status %q for pipeline %s", toStatus, p.ID)}
	}

	tr, err := p.FindTransition(t.Status, toStatus, tc.Trigger, agentOutcomeOf(tc))
	if err != nil && !force {
		return Result{Success: false, Error: err.Error()}
	}
	hasTransition := err == nil

	fromStatus := t.Status
	var guardChecks []GuardCheck
	var fresh *task.Task

	guardCtx, guardSpan := e.startTransitionSpan(ctx, traceSpanGuards, t)
	txErr := e.tasks.WithTx(guardCtx, func(ctx context.Context, tx task.Tx) error {
		row, gerr := tx.GetForUpdate(ctx, t.ID)
		if gerr != nil {
			return fmt.Errorf("TaskDisappeared: %w", gerr)
		}
		if row.Status != fromStatus {
			return fmt.Errorf("ConcurrentModification: task %s status is %q, expected %q", t.ID, row.Status, fromStatus)
		}
		fresh = row

		if !force && hasTransition {
			for _, g := range tr.Guards {
				guardChecks = append(guardChecks, e.evalGuard(ctx, row, tr, tc, tx, g))
			}
			for _, c := range guardChecks {
				if !c.Allowed {
					return errGuardBlocked
				}
			}
		}

		if cerr := tx.CompareAndSetStatus(ctx, t.ID, fromStatus, toStatus); cerr != nil {
			return cerr
		}

		entry := &history.Entry{
			ID:         ids.NewEventID(),
			TaskID:     t.ID,
			FromStatus: fromStatus,
			ToStatus:   toStatus,
			Trigger:    string(tc.Trigger),
			Actor:      tc.Actor,
			CreatedAt:  e.clock.Now(),
		}
		for _, c := range guardChecks {
			entry.Guards = append(entry.Guards, history.GuardResult{Guard: c.Guard, Allowed: c.Allowed, Reason: c.Reason})
		}
		if herr := e.history.Append(ctx, entry); herr != nil {
			return herr
		}
		return nil
	})
	markSpanResult(guardSpan, txErr)
	guardSpan.End()

	if txErr == errGuardBlocked {
		for _, c := range guardChecks {
			if !c.Allowed {
				e.metrics.RecordGuardFailure(c.Guard)
			}
		}
		e.emit(ctx, t.ID, "guard", event.SeverityWarning, "transition blocked by guard", map[string]any{"to": toStatus, "guards": guardChecks})
		return Result{Success: false, GuardFailures: guardChecks}
	}
	if txErr != nil {
		return Result{Success: false, Error: txErr.Error()}
	}

	fresh.Status = toStatus
	fresh.UpdatedAt = e.clock.Now()

	var hookFailures []HookFailure
	requiredFailed := false
	if hasTransition {
		hookCtx, hookSpan := e.startTransitionSpan(ctx, traceSpanHooks, t)
		hookFailures, requiredFailed = e.runHooks(hookCtx, fresh, tr, tc)
		var hookErr error
		if requiredFailed {
			hookErr = errors.New(summarizeHookFailures(hookFailures))
		}
		markSpanResult(hookSpan, hookErr)
		hookSpan.End()
	}

	if requiredFailed {
		rollbackErr := e.tasks.WithTx(ctx, func(ctx context.Context, tx task.Tx) error {
			return tx.CompareAndSetStatus(ctx, t.ID, toStatus, fromStatus)
		})
		fresh.Status = fromStatus
		summary := summarizeHookFailures(hookFailures)
		e.emit(ctx, t.ID, "hook", event.SeverityError, "required hook failed, status rolled back: "+summary, map[string]any{"hookFailures": hookFailures})
		if rollbackErr != nil {
			e.logger.Error("rollback after required-hook failure failed", "task", t.ID, "err", rollbackErr)
		}
		return Result{Success: false, Error: summary, HookFailures: hookFailures, Task: fresh}
	}

	e.emit(ctx, t.ID, "status", event.SeverityInfo, fmt.Sprintf("status change %s -> %s", fromStatus, toStatus), map[string]any{
		"from": fromStatus, "to": toStatus, "trigger": string(tc.Trigger), "actor": tc.Actor,
	})

	// A hook (e.g. advance_phase) may have driven its own nested transition
	// on this same task and already committed a further status change —
	// re-read the persisted status so this full-row persist carries the
	// hooks' other field edits (phases, prLink, branchName) forward without
	// clobbering a status the nested transition already moved past toStatus.
	if current, gerr := e.tasks.Get(ctx, t.ID); gerr == nil {
		fresh.Status = current.Status
	} else {
		e.logger.Warn("failed to re-read task status before final persist", "task", t.ID, "err", gerr)
	}

	if uerr := e.tasks.Update(ctx, fresh); uerr != nil {
		e.logger.Warn("task row update after transition failed", "task", t.ID, "err", uerr)
	}

	return Result{Success: true, Task: fresh, HookFailures: hookFailures}
}

var errGuardBlocked = fmt.Errorf("guard blocked")

func summarizeHookFailures(fails []HookFailure) string {
	if len(fails) == 0 {
		return "required hook failed"
	}
	return fails[0].Hook + ": " + fails[0].Error
}

// runHooks executes the transition's hooks in declared order under their
// policies. It returns the collected failures and whether any required
// hook failed (requiring rollback).
func (e *Engine) runHooks(ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext) ([]HookFailure, bool) {
	var failures []HookFailure
	requiredFailed := false
	for _, ref := range tr.Hooks {
		fn, ok := e.hooks.lookup(ref.Name)
		if !ok {
			e.logger.Warn("unregistered hook referenced by transition", "hook", ref.Name)
			if ref.Policy == domainpipeline.PolicyRequired {
				failures = append(failures, HookFailure{Hook: ref.Name, Policy: ref.Policy, Error: "unregistered hook"})
				requiredFailed = true
			}
			continue
		}
		switch ref.Policy {
		case domainpipeline.PolicyFireAndForget:
			go func(ref domainpipeline.HookRef, fn HookFunc) {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("fire_and_forget hook panicked", "hook", ref.Name, "panic", r)
					}
				}()
				res := fn(ctx, t, tr, tc, ref.Params)
				if !res.Success {
					errText := "hook returned failure"
					if res.Error != nil {
						errText = res.Error.Error()
					}
					e.emit(ctx, t.ID, "hook", event.SeverityError, ref.Name+" (fire_and_forget) failed: "+errText, nil)
				}
			}(ref, fn)
		case domainpipeline.PolicyRequired:
			res := e.invokeHook(fn, ctx, t, tr, tc, ref.Params)
			if !res.Success {
				failures = append(failures, HookFailure{Hook: ref.Name, Policy: ref.Policy, Error: errText(res)})
				e.metrics.RecordHookFailure(ref.Name, string(ref.Policy))
				requiredFailed = true
			}
		default: // best_effort
			res := e.invokeHook(fn, ctx, t, tr, tc, ref.Params)
			if !res.Success {
				failures = append(failures, HookFailure{Hook: ref.Name, Policy: ref.Policy, Error: errText(res)})
				e.metrics.RecordHookFailure(ref.Name, string(ref.Policy))
				e.emit(ctx, t.ID, "hook", event.SeverityWarning, ref.Name+" (best_effort) failed: "+errText(res), nil)
			}
		}
	}
	return failures, requiredFailed
}

func (e *Engine) invokeHook(fn HookFunc, ctx context.Context, t *task.Task, tr domainpipeline.Transition, tc TransitionContext, params map[string]any) (res HookResult) {
	defer func() {
		if r := recover(); r != nil {
			res = HookResult{Success: false, Error: fmt.Errorf("hook panic: %v", r)}
		}
	}()
	return fn(ctx, t, tr, tc, params)
}

func errText(res HookResult) string {
	if res.Error != nil {
		return res.Error.Error()
	}
	return "hook returned failure"
}

// RetryHook re-invokes a single hook out-of-band; it does not change the
// task's status.
type HookRetryResult struct {
	Success bool
	Error   string
}

func (e *Engine) RetryHook(ctx context.Context, t *task.Task, hookName string, tr domainpipeline.Transition, tc TransitionContext) HookRetryResult {
	fn, ok := e.hooks.lookup(hookName)
	if !ok {
		return HookRetryResult{Success: false, Error: "unregistered hook"}
	}
	var ref domainpipeline.HookRef
	for _, h := range tr.Hooks {
		if h.Name == hookName {
			ref = h
			break
		}
	}
	res := e.invokeHook(fn, ctx, t, tr, tc, ref.Params)
	if !res.Success {
		return HookRetryResult{Success: false, Error: errText(res)}
	}
	return HookRetryResult{Success: true}
}

func (e *Engine) emit(ctx context.Context, taskID, category string, sev event.Severity, msg string, data map[string]any) {
	if e.events == nil {
		return
	}
	ev := &event.Event{
		ID:        ids.NewEventID(),
		TaskID:    taskID,
		Category:  category,
		Severity:  sev,
		Message:   msg,
		Data:      data,
		CreatedAt: e.clock.Now(),
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("failed to append task event", "task", taskID, "err", err)
	}
}
