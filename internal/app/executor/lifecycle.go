package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/elephantci/orchestrator/internal/app/gitops"
	pipelineapp "github.com/elephantci/orchestrator/internal/app/pipeline"
	"github.com/elephantci/orchestrator/internal/app/prompttemplate"
	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/artifact"
	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/domain/outcome"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/domain/taskcontext"
	"github.com/elephantci/orchestrator/internal/shared/ids"
)

type prepResult struct {
	branch  string
	workDir string
	phase   *task.ImplementationPhase
	prompt  string
	git     *gitops.GitOps
}

// runLifecycle drives Prepare -> Execute -> (Validate loop)* -> Finalize
// for one agent run. Any unhandled error or panic converts the run to a
// failed terminal state instead of propagating — the executor's top-level
// guard forbids silent hangs.
func (e *Executor) runLifecycle(ctx context.Context, cancel context.CancelFunc, t *task.Task, run *agentrun.AgentRun) {
	defer cancel()
	defer e.clearLive(run.ID)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("run panicked", "run", run.ID, "panic", r)
			e.failRun(context.Background(), run, fmt.Errorf("Internal error: %v", r))
		}
	}()

	prep, err := e.prepare(ctx, t, run)
	if err != nil {
		e.failRun(ctx, run, err)
		return
	}
	defer func() { _ = e.worktrees.Unlock(context.Background(), t.ID) }()

	if err := e.executeAgent(ctx, t, run, prep); err != nil {
		e.failRun(ctx, run, err)
		return
	}
	if e.handleInterrupted(t, run) {
		return
	}

	if !skipValidation(run.Mode) {
		e.validateLoop(ctx, t, run, prep)
		if e.handleInterrupted(t, run) {
			return
		}
	}

	e.finalize(ctx, t, run, prep)

	if msg, ok := e.popQueuedMessage(t.ID); ok {
		e.logger.Info("draining queued message into new run", "task", t.ID, "message", msg)
		if _, err := e.Execute(context.Background(), t.ID, run.Mode, run.AgentType, nil); err != nil {
			e.logger.Error("failed to start queued run", "task", t.ID, "err", err)
		}
	}
}

// handleInterrupted reports whether Stop() or the run deadline already
// drove the run to a cancelled/timed-out terminal state, in which case the
// persisted status must not be overwritten by validation or finalize. A
// timed-out run still gets its failure transition attempted.
func (e *Executor) handleInterrupted(t *task.Task, run *agentrun.AgentRun) bool {
	if run.Status != agentrun.StatusCancelled && run.Status != agentrun.StatusTimedOut {
		return false
	}
	ctx := context.Background()
	if e.prompts != nil {
		_ = e.prompts.ExpireByAgentRun(ctx, run.ID)
	}
	e.outputCache.Add(run.ID, run.Output)
	e.mu.Lock()
	delete(e.messageQueues, t.ID)
	delete(e.activeCallbacks, t.ID)
	e.mu.Unlock()
	e.emit(ctx, t.ID, "agent", event.SeverityWarning,
		"agent run "+run.ID+" "+string(run.Status), map[string]any{"runId": run.ID})
	if run.Status == agentrun.StatusTimedOut {
		res := e.engine.ExecuteAgentOutcome(ctx, t, "failed", pipelineapp.TransitionContext{
			Data: map[string]any{"agentRunId": run.ID},
		})
		if !res.Success {
			e.logger.Warn("post-timeout transition did not succeed", "task", t.ID, "error", res.Error)
		}
	}
	return true
}

func skipValidation(mode string) bool {
	for _, prefix := range []string{"plan", "investigate", "technical_design"} {
		if strings.HasPrefix(mode, prefix) {
			return true
		}
	}
	return false
}

func (e *Executor) failRun(ctx context.Context, run *agentrun.AgentRun, cause error) {
	run.Status = agentrun.StatusFailed
	run.Error = cause.Error()
	now := e.clock.Now()
	run.CompletedAt = &now
	if err := e.agentRuns.Update(ctx, run); err != nil {
		e.logger.Error("failed to persist failed run", "run", run.ID, "err", err)
	}
	e.emit(ctx, run.TaskID, "agent", event.SeverityError, "agent run failed: "+cause.Error(), map[string]any{"runId": run.ID})
	if e.worktrees != nil {
		_ = e.worktrees.Unlock(ctx, run.TaskID)
	}
	if e.prompts != nil {
		_ = e.prompts.ExpireByAgentRun(ctx, run.ID)
	}
	e.outputCache.Add(run.ID, run.Output)
}

// prepare sets up everything a run needs before the agent is invoked:
// phase activation, branch selection, worktree checkout, pre-flight
// rebase, and the resolved prompt.
func (e *Executor) prepare(ctx context.Context, t *task.Task, run *agentrun.AgentRun) (*prepResult, error) {
	var activePhase *task.ImplementationPhase
	if t.IsMultiPhase() {
		activePhase = t.ActivePhase()
		if activePhase == nil {
			if next := t.NextPendingPhase(); next != nil {
				next.Status = task.PhaseInProgress
				activePhase = next
			}
		}
	}

	branch := branchFor(t, activePhase, run.Mode)

	w, err := e.worktrees.Get(ctx, t.ID)
	if err != nil || w == nil {
		w, err = e.worktrees.Create(ctx, t.ID, branch)
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	}
	if err := e.worktrees.Lock(ctx, t.ID); err != nil {
		e.logger.Warn("failed to lock worktree", "task", t.ID, "err", err)
	}

	git := gitops.New(w.Path)
	if err := git.Clean(ctx); err != nil {
		e.logger.Warn("worktree clean failed", "task", t.ID, "err", err)
	}

	if run.Mode != "resolve_conflicts" {
		if err := git.Fetch(ctx, e.cfg.RemoteName); err != nil {
			e.emit(ctx, t.ID, "worktree", event.SeverityWarning, "fetch failed before rebase: "+err.Error(), nil)
		} else if err := git.Rebase(ctx, e.cfg.RemoteName+"/"+e.cfg.BaseBranch); err != nil {
			_ = git.RebaseAbort(ctx)
			e.emit(ctx, t.ID, "worktree", event.SeverityWarning, "pre-flight rebase failed, proceeding without it: "+err.Error(), nil)
		}
	}

	entries, _ := e.contexts.ListByTask(ctx, t.ID)
	prompt := e.renderPrompt(t, activePhase, entries)
	// A message queued before this run started rides along as part of its
	// prompt; anything queued after launch is drained into the next run.
	if msg, ok := e.popQueuedMessage(t.ID); ok {
		prompt += "\n\n## Additional Instructions\n" + msg
	}

	t.BranchName = branch
	if activePhase != nil && e.phases != nil {
		if uerr := e.phases.Update(ctx, t.ID, activePhase); uerr != nil {
			// First activation: the standalone phase row doesn't exist yet.
			_ = e.phases.Create(ctx, t.ID, activePhase)
		}
	}
	_ = e.tasks.Update(ctx, t)

	return &prepResult{branch: branch, workDir: w.Path, phase: activePhase, prompt: prompt, git: git}, nil
}

func branchFor(t *task.Task, phase *task.ImplementationPhase, mode string) string {
	if t.IsMultiPhase() && phase != nil {
		n := 1
		for i := range t.Phases {
			if t.Phases[i].ID == phase.ID {
				n = i + 1
				break
			}
		}
		return fmt.Sprintf("task/%s/implement/phase-%d", t.ID, n)
	}
	return fmt.Sprintf("task/%s/%s", t.ID, mode)
}

func (e *Executor) renderPrompt(t *task.Task, ph *task.ImplementationPhase, entries []*taskcontext.Entry) string {
	subtasks := t.EffectiveSubtasks()
	if ph != nil {
		subtasks = ph.Subtasks
	}
	var sb strings.Builder
	for _, s := range subtasks {
		fmt.Fprintf(&sb, "- [%s] %s\n", s.Status, s.Name)
	}
	var ctxBuilder strings.Builder
	for _, en := range entries {
		fmt.Fprintf(&ctxBuilder, "### %s\n%s\n\n", en.Kind, en.Content)
	}
	return prompttemplate.Render(t.PlanText+"\n\n"+t.Description, prompttemplate.Vars{
		TaskTitle:          t.Title,
		TaskDescription:    t.Description,
		TaskID:             t.ID,
		SubtasksSection:    sb.String(),
		PlanSection:        t.PlanText,
		PriorReviewSection: ctxBuilder.String(),
	})
}

// executeAgent streams the agent's messages, classifies each, and
// periodically flushes progressive state.
func (e *Executor) executeAgent(ctx context.Context, t *task.Task, run *agentrun.AgentRun, prep *prepResult) error {
	qa, ok := e.queryAgents[run.AgentType]
	if !ok {
		return fmt.Errorf("no QueryAgent registered for agentType %q", run.AgentType)
	}
	run.RunDir = filepath.Join(e.cfg.RunsDir, run.ID)
	run.Prompt = prep.prompt
	if err := e.agentRuns.Update(ctx, run); err != nil {
		e.logger.Warn("failed to persist run dir before query", "run", run.ID, "err", err)
	}
	return e.stream(ctx, t, run, qa, QueryRequest{
		Prompt:    prep.prompt,
		WorkDir:   prep.workDir,
		MaxTurns:  run.MaxTurns,
		TimeoutMs: run.TimeoutMs,
		RunDir:    run.RunDir,
	})
}

func (e *Executor) stream(ctx context.Context, t *task.Task, run *agentrun.AgentRun, qa QueryAgent, req QueryRequest) error {
	msgs, err := qa.Query(ctx, req)
	if err != nil {
		return err
	}

	flushTicker := time.NewTicker(e.cfg.FlushInterval)
	defer flushTicker.Stop()
	dirty := false
	recon := newReconciler(t, run)

	flush := func() {
		if recon.dirty {
			if err := e.tasks.Update(ctx, t); err != nil {
				e.logger.Warn("subtask reconciliation flush failed", "task", t.ID, "err", err)
			} else {
				recon.dirty = false
			}
		}
		if !dirty {
			return
		}
		if err := e.agentRuns.Update(ctx, run); err != nil {
			e.mu.Lock()
			e.flushErrCount[run.ID]++
			n := e.flushErrCount[run.ID]
			e.mu.Unlock()
			if n == 1 || n%10 == 0 {
				e.logger.Warn("periodic flush failed", "run", run.ID, "err", err, "count", n)
			}
		}
		dirty = false
	}

	cb := e.callbacksFor(t.ID)

	for {
		select {
		case <-ctx.Done():
			now := e.clock.Now()
			run.CompletedAt = &now
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				run.Status = agentrun.StatusTimedOut
				run.Error = "timed out"
			} else {
				run.Status = agentrun.StatusCancelled
				run.Error = "cancelled"
			}
			_ = e.agentRuns.Update(context.Background(), run)
			return nil
		case <-flushTicker.C:
			flush()
		case m, chOpen := <-msgs:
			if !chOpen {
				flush()
				return nil
			}
			e.applyMessage(t, run, m, recon)
			dirty = true
			run.MessageCount++
			e.hub.Publish(t.ID, m)
			if cb.OnOutput != nil && m.Type == MessageAssistant {
				for _, c := range m.Content {
					if c.Kind == "text" {
						cb.OnOutput(t.ID, c.Text)
					}
				}
			}
			if cb.OnMessage != nil {
				cb.OnMessage(t.ID, m)
			}
		}
	}
}

func (e *Executor) applyMessage(t *task.Task, run *agentrun.AgentRun, m Message, recon *reconciler) {
	switch m.Type {
	case MessageAssistant:
		for _, c := range m.Content {
			if c.Kind == "text" {
				run.AppendOutput(c.Text)
			} else if c.Kind == "tool_use" {
				run.AppendOutput(fmt.Sprintf("\n[tool_use %s]\n", c.ToolName))
				recon.observeToolUse(c)
			}
		}
	case MessageResult:
		run.Outcome = m.Outcome
		if m.StructuredOutput != nil {
			run.Payload = m.StructuredOutput
		}
		if m.Usage != nil {
			run.InputTokens += m.Usage.InputTokens
			run.OutputTokens += m.Usage.OutputTokens
		}
	case MessageToolResult:
		run.AppendOutput(fmt.Sprintf("\n[tool_result %s]\n", m.ToolUseID))
	case MessageSystem:
		if pid, ok := m.Raw["pid"].(int); ok {
			run.PID = pid
		} else if pidF, ok := m.Raw["pid"].(float64); ok {
			run.PID = int(pidF)
		}
	default:
		run.AppendOutput(fmt.Sprintf("\n[%s]\n", m.Type))
	}
}

// validateLoop runs the project's validation commands in the worktree,
// re-invoking the agent with the failure output until they pass or the
// retry budget is spent.
func (e *Executor) validateLoop(ctx context.Context, t *task.Task, run *agentrun.AgentRun, prep *prepResult) {
	if len(e.cfg.ValidationCommands) == 0 {
		return
	}
	for attempt := 0; attempt < e.cfg.MaxValidationRetries; attempt++ {
		failures := e.runValidationCommands(ctx, prep.workDir)
		if len(failures) == 0 {
			return
		}
		combined := strings.Join(failures, "\n---\n")
		e.emit(ctx, t.ID, "validation", event.SeverityWarning, "validation failed, retrying", map[string]any{"attempt": attempt + 1})

		qa, ok := e.queryAgents[run.AgentType]
		if !ok {
			return
		}
		retryPrompt := prep.prompt + "\n\n## Fix These Errors\n" + truncate(combined, 2048)
		if err := e.stream(ctx, t, run, qa, QueryRequest{Prompt: retryPrompt, WorkDir: prep.workDir, MaxTurns: run.MaxTurns, TimeoutMs: run.TimeoutMs}); err != nil {
			e.logger.Warn("validation retry invocation failed", "run", run.ID, "err", err)
			return
		}
	}
}

const maxValidationOutputBytes = 10 * 1024 * 1024

func (e *Executor) runValidationCommands(ctx context.Context, workDir string) []string {
	var failures []string
	for _, cmdline := range e.cfg.ValidationCommands {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.ValidationTimeout)
		out, err := runShell(cctx, workDir, cmdline, maxValidationOutputBytes)
		cancel()
		if err != nil {
			failures = append(failures, fmt.Sprintf("$ %s\n%s\n(error: %v)", cmdline, truncate(out, 2048), err))
		}
	}
	return failures
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}

// finalize persists the run's terminal state, applies outcome-specific
// fixups (empty-diff and rebase-conflict downgrades, plan extraction), and
// routes the effective outcome back through the Pipeline Engine.
func (e *Executor) finalize(ctx context.Context, t *task.Task, run *agentrun.AgentRun, prep *prepResult) {
	now := e.clock.Now()
	run.CompletedAt = &now

	exitCode := 0
	if run.Outcome == "" || run.Error != "" {
		exitCode = 1
	}
	run.ExitCode = &exitCode

	if exitCode == 0 {
		run.Status = agentrun.StatusCompleted
	} else {
		run.Status = agentrun.StatusFailed
		if prep.phase != nil {
			prep.phase.Status = task.PhaseFailed
		}
	}

	e.applyOutcomeSchema(ctx, t, run)

	e.applyPlanningOutcome(ctx, t, run)

	summary := "Agent run " + run.Mode + " completed with outcome " + run.Outcome
	_ = e.contexts.Append(ctx, &taskcontext.Entry{
		ID: ids.NewContextEntryID(), TaskID: t.ID, Kind: "run_summary", Content: summary, CreatedAt: e.clock.Now(),
	})

	effectiveOutcome := run.Outcome
	if exitCode == 0 && effectiveOutcome != "" {
		_ = e.artifacts.Create(ctx, &artifact.Artifact{
			ID: ids.NewArtifactID(), TaskID: t.ID, Type: artifact.TypeBranch,
			Data: map[string]any{"branch": t.BranchName}, CreatedAt: e.clock.Now(),
		})

		if effectiveOutcome == "pr_ready" {
			empty, err := prep.git.IsEmptyDiff(ctx, e.cfg.RemoteName+"/"+e.cfg.BaseBranch, "")
			if err == nil && empty {
				effectiveOutcome = "no_changes"
			} else if rerr := prep.git.Rebase(ctx, e.cfg.RemoteName+"/"+e.cfg.BaseBranch); rerr != nil {
				_ = prep.git.RebaseAbort(ctx)
				effectiveOutcome = "conflicts_detected"
			}
		}
	}

	// Agents that never report usage leave the counters at zero; fall back
	// to the pre-flight prompt estimate so cost accounting stays non-empty.
	if run.InputTokens == 0 && run.Prompt != "" {
		run.InputTokens = EstimateTokens(run.Prompt)
	}

	if err := e.agentRuns.Update(ctx, run); err != nil {
		e.logger.Error("failed to persist final run state", "run", run.ID, "err", err)
	}

	e.metrics.RecordTokens(run.InputTokens, run.OutputTokens)
	e.metrics.RecordAgentRunEnd(run.Mode, effectiveOutcome, run.CompletedAt.Sub(run.StartedAt).Seconds())

	outcome := effectiveOutcome
	if exitCode != 0 {
		outcome = "failed"
	}
	res := e.engine.ExecuteAgentOutcome(ctx, t, outcome, pipelineapp.TransitionContext{
		Data: map[string]any{
			"agentRunId": run.ID,
			"payload":    run.Payload,
			"branch":     t.BranchName,
		},
	})
	if !res.Success {
		e.logger.Warn("post-run transition did not succeed", "task", t.ID, "outcome", outcome, "error", res.Error)
	}

	if e.prompts != nil {
		_ = e.prompts.ExpireByAgentRun(ctx, run.ID)
	}
	e.outputCache.Add(run.ID, run.Output)

	status := t.Status
	if res.Task != nil {
		status = res.Task.Status
	}
	if cb := e.callbacksFor(t.ID); cb.OnStatusChange != nil {
		cb.OnStatusChange(t.ID, status)
	}
	e.hub.Publish(t.ID, Message{Type: MessageSystem, Raw: map[string]any{
		"kind": "status", "runId": run.ID, "outcome": outcome, "status": status,
	}})

	e.emit(ctx, t.ID, "agent", event.SeverityInfo, "agent run "+run.ID+" finalized with outcome "+outcome, map[string]any{"runId": run.ID})
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, t.ID, "Agent run finished", fmt.Sprintf("%s: %s -> %s", t.Title, run.Mode, outcome)); err != nil {
			e.logger.Warn("run-completion notification failed", "task", t.ID, "err", err)
		}
	}
}

func (e *Executor) applyOutcomeSchema(ctx context.Context, t *task.Task, run *agentrun.AgentRun) {
	if run.Outcome == "" {
		return
	}
	res := outcome.ValidatePayload(run.Outcome, run.Payload)
	if res.Valid {
		return
	}
	e.emit(ctx, t.ID, "agent", event.SeverityWarning, "outcome payload did not match schema: "+res.Error, map[string]any{"runId": run.ID, "outcome": run.Outcome})
}

// applyPlanningOutcome lifts planning results into the task: on a
// successful plan/plan_revision/investigate run, the plan text and subtasks
// (or phases, if >=2 are present) are taken from the run's structured
// output; on a technical_design(_revision) run the same applies, except a
// revision only overwrites subtasks when none have started yet.
func (e *Executor) applyPlanningOutcome(ctx context.Context, t *task.Task, run *agentrun.AgentRun) {
	if run.Error != "" || run.Payload == nil {
		return
	}
	isPlanMode := strings.HasPrefix(run.Mode, "plan") || strings.HasPrefix(run.Mode, "investigate")
	isDesignMode := strings.HasPrefix(run.Mode, "technical_design")
	if !isPlanMode && !isDesignMode {
		return
	}
	isRevision := strings.HasSuffix(run.Mode, "_revision")

	payload := run.Payload

	if planText, ok := payload["plan"].(string); ok && planText != "" {
		t.PlanText = planText
	} else if summary, ok := payload["summary"].(string); ok && summary != "" {
		t.PlanText = summary
	}

	if phasesRaw, ok := payload["phases"].([]any); ok && len(phasesRaw) >= 2 {
		phases := make([]task.ImplementationPhase, 0, len(phasesRaw))
		for i, raw := range phasesRaw {
			pm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := pm["name"].(string)
			phases = append(phases, task.ImplementationPhase{
				ID:     fmt.Sprintf("%s-phase-%d", t.ID, i+1),
				Name:   name,
				Status: task.PhasePending,
			})
		}
		t.Phases = phases
		t.Subtasks = nil
	} else if subtasksRaw, ok := payload["subtasks"].([]any); ok {
		if isDesignMode && isRevision && hasStartedSubtask(t.Subtasks) {
			// a technical_design_revision must not clobber progress already
			// made against the existing subtask set.
		} else {
			t.Subtasks = parseSubtasks(subtasksRaw)
		}
	}

	if err := e.tasks.Update(ctx, t); err != nil {
		e.logger.Warn("failed to persist planning outcome", "task", t.ID, "err", err)
		return
	}

	kind := "plan_summary"
	if isDesignMode {
		kind = "design_summary"
	}
	_ = e.contexts.Append(ctx, &taskcontext.Entry{
		ID: ids.NewContextEntryID(), TaskID: t.ID, Kind: kind, Content: t.PlanText, CreatedAt: e.clock.Now(),
	})
}

func hasStartedSubtask(subtasks []task.Subtask) bool {
	for _, s := range subtasks {
		if s.Status != task.SubtaskOpen {
			return true
		}
	}
	return false
}

func parseSubtasks(raw []any) []task.Subtask {
	out := make([]task.Subtask, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, task.Subtask{Name: v, Status: task.SubtaskOpen})
		case map[string]any:
			name, _ := v["name"].(string)
			if name == "" {
				name, _ = v["title"].(string)
			}
			if name == "" {
				continue
			}
			out = append(out, task.Subtask{Name: name, Status: task.SubtaskOpen})
		}
	}
	return out
}
