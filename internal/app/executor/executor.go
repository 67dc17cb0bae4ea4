package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/elephantci/orchestrator/internal/app/gitops"
	pipelineapp "github.com/elephantci/orchestrator/internal/app/pipeline"
	"github.com/elephantci/orchestrator/internal/app/worktree"
	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/artifact"
	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/domain/phase"
	"github.com/elephantci/orchestrator/internal/domain/prompt"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/domain/taskcontext"
	"github.com/elephantci/orchestrator/internal/infra/metrics"
	"github.com/elephantci/orchestrator/internal/shared/clock"
	"github.com/elephantci/orchestrator/internal/shared/ids"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// Config bundles the tunables for the executor's lifecycle.
type Config struct {
	DefaultTimeoutMs     int
	MaxValidationRetries int
	ValidationCommands   []string
	ValidationTimeout    time.Duration
	FlushInterval        time.Duration
	RemoteName           string // "origin"
	BaseBranch           string // "main"
	RunsDir              string // ".orchestrator/runs"
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 10 * 60 * 1000
	}
	if c.MaxValidationRetries <= 0 {
		c.MaxValidationRetries = 3
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 60 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 3 * time.Second
	}
	if c.RemoteName == "" {
		c.RemoteName = "origin"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.RunsDir == "" {
		c.RunsDir = ".orchestrator/runs"
	}
	return c
}

// Executor runs Prepare -> Execute -> (Validate loop) -> Finalize for one
// agent run at a time per task, reconciling subtask status from the
// agent's tool calls and draining a per-task message queue across runs.
type Executor struct {
	cfg Config

	tasks     task.Store
	phases    phase.Store
	agentRuns agentrun.Store
	artifacts artifact.Store
	prompts   prompt.Store
	contexts  taskcontext.Store
	events    event.Store

	worktrees *worktree.Manager
	engine    *pipelineapp.Engine
	notifier  pipelineapp.Notifier

	queryAgents map[string]QueryAgent

	clock   clock.Clock
	logger  logging.Logger
	metrics *metrics.Metrics

	outputCache *lru.Cache[string, string]
	hub         *OutputHub

	mu              sync.Mutex
	live            map[string]context.CancelFunc // runID -> cancel
	runTask         map[string]string              // runID -> taskID
	messageQueues   map[string][]string
	activeCallbacks map[string]Callbacks
	flushErrCount   map[string]int
}

// New constructs an Executor. queryAgents maps agentType -> QueryAgent.
func New(
	cfg Config,
	tasks task.Store,
	phases phase.Store,
	agentRuns agentrun.Store,
	artifacts artifact.Store,
	prompts prompt.Store,
	contexts taskcontext.Store,
	events event.Store,
	worktrees *worktree.Manager,
	engine *pipelineapp.Engine,
	queryAgents map[string]QueryAgent,
	clk clock.Clock,
	logger logging.Logger,
) *Executor {
	cache, _ := lru.New[string, string](128)
	if clk == nil {
		clk = clock.Real
	}
	return &Executor{
		cfg:             cfg.withDefaults(),
		tasks:           tasks,
		phases:          phases,
		agentRuns:       agentRuns,
		artifacts:       artifacts,
		prompts:         prompts,
		contexts:        contexts,
		events:          events,
		worktrees:       worktrees,
		engine:          engine,
		queryAgents:     queryAgents,
		clock:           clk,
		logger:          logging.OrNop(logger).With("component", "AgentExecutor"),
		outputCache:     cache,
		hub:             NewOutputHub(128),
		live:            make(map[string]context.CancelFunc),
		runTask:         make(map[string]string),
		messageQueues:   make(map[string][]string),
		activeCallbacks: make(map[string]Callbacks),
		flushErrCount:   make(map[string]int),
	}
}

// SetMetrics wires a Prometheus metrics sink into the executor. m may be
// nil, in which case every Record call degrades to a no-op.
func (e *Executor) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetNotifier wires the NotificationRouter run-completion notifications go
// through. May be nil (no notification fired).
func (e *Executor) SetNotifier(n pipelineapp.Notifier) { e.notifier = n }

// CompletedOutput serves a recently-finished run's full transcript from the
// in-memory cache, saving the HTTP facade a store round-trip. ok is false
// once the entry has aged out of the cache (fall back to the store).
func (e *Executor) CompletedOutput(runID string) (string, bool) {
	return e.outputCache.Get(runID)
}

// Subscribe tails taskID's live output stream, backing the HTTP facade's
// websocket endpoint. Callers must Unsubscribe when done.
func (e *Executor) Subscribe(taskID string, buffer int) chan Message {
	return e.hub.Subscribe(taskID, buffer)
}

// Unsubscribe releases a channel returned by Subscribe.
func (e *Executor) Unsubscribe(taskID string, ch chan Message) {
	e.hub.Unsubscribe(taskID, ch)
}

// LiveRunIDs returns the in-memory set of runs currently executing — the
// Supervisor reconciles this against the persisted "running" set.
func (e *Executor) LiveRunIDs() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]struct{}, len(e.live))
	for id := range e.live {
		out[id] = struct{}{}
	}
	return out
}

// StartAgent implements pipelineapp.AgentStarter — the start_agent hook
// calls this (fire_and_forget policy: the engine does not await it).
func (e *Executor) StartAgent(ctx context.Context, taskID, mode, agentType string) error {
	_, err := e.Execute(ctx, taskID, mode, agentType, nil)
	return err
}

// QueueMessage appends a message to taskID's queue. A run that has not yet
// built its prompt appends the queued message to it; a message queued after
// that is drained into a new run once the current one finishes.
func (e *Executor) QueueMessage(taskID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messageQueues[taskID] = append(e.messageQueues[taskID], text)
}

// Execute returns immediately after persisting a running AgentRun; the
// work proceeds on a background goroutine.
func (e *Executor) Execute(ctx context.Context, taskID, mode, agentType string, callbacks *Callbacks) (*agentrun.AgentRun, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	run := &agentrun.AgentRun{
		ID:        ids.NewRunID(),
		TaskID:    taskID,
		AgentType: agentType,
		Mode:      mode,
		Status:    agentrun.StatusRunning,
		StartedAt: e.clock.Now(),
		TimeoutMs: e.cfg.DefaultTimeoutMs,
	}
	if err := e.agentRuns.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create agent run: %w", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if run.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(detach(ctx), time.Duration(run.TimeoutMs)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(detach(ctx))
	}
	e.mu.Lock()
	e.live[run.ID] = cancel
	e.runTask[run.ID] = taskID
	if callbacks != nil {
		e.activeCallbacks[taskID] = *callbacks
	}
	e.mu.Unlock()

	e.metrics.RecordAgentRunStart(mode, agentType)
	go e.runLifecycle(runCtx, cancel, t, run)

	return run, nil
}

// Stop cooperatively cancels a running run.
func (e *Executor) Stop(runID string) error {
	e.mu.Lock()
	cancel, ok := e.live[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live run %s", runID)
	}
	cancel()
	return nil
}

// harvestTimeout bounds how long RecoverOrphanedRuns waits to drain a
// completed run's already-written output file before giving up on it.
const harvestTimeout = 30 * time.Second

// RecoverOrphanedRuns is called once at startup. Every persisted "running"
// AgentRun is checked against its recorded run directory: a row with no
// run directory (started before this capability existed, or by a QueryAgent
// that doesn't support it) falls back to the original unconditional
// failed/interrupted handling. Otherwise the PID is tested for liveness and
// the .done sentinel for completion:
//   - alive, no .done: the subprocess outlived this process's restart —
//     reattach and tail the remainder of its output instead of discarding it.
//   - .done present (alive or dead): the subprocess finished — harvest the
//     file and resume the normal validate/finalize pipeline.
//   - dead, no .done: a true ghost — harvest whatever partial output exists,
//     then fail the run.
//
// Idempotent: a second call finds no running rows it created.
func (e *Executor) RecoverOrphanedRuns(ctx context.Context) ([]*agentrun.AgentRun, error) {
	running, err := e.agentRuns.ListByStatus(ctx, agentrun.StatusRunning)
	if err != nil {
		return nil, err
	}
	var recovered []*agentrun.AgentRun
	for _, r := range running {
		switch {
		case r.RunDir == "":
			e.failOrphan(ctx, r, "\n[recovered orphaned run at startup]")
		case r.PID > 0 && isProcessAlive(r.PID) && !runHasDoneSentinel(r.RunDir):
			e.logger.Info("reattaching to live orphaned run", "run", r.ID, "pid", r.PID)
			e.reattach(r, 0)
		case runHasDoneSentinel(r.RunDir):
			e.logger.Info("harvesting completed orphaned run", "run", r.ID, "pid", r.PID)
			e.reattach(r, harvestTimeout)
		default:
			e.logger.Warn("orphaned run's process is dead with no completion sentinel", "run", r.ID, "pid", r.PID)
			e.harvestDeadRun(ctx, r)
		}
		recovered = append(recovered, r)
	}
	return recovered, nil
}

func (e *Executor) clearLive(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, runID)
	taskID := e.runTask[runID]
	delete(e.runTask, runID)
	if len(e.messageQueues[taskID]) == 0 {
		delete(e.activeCallbacks, taskID)
	}
}

func (e *Executor) popQueuedMessage(taskID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.messageQueues[taskID]
	if len(q) == 0 {
		return "", false
	}
	msg := q[0]
	e.messageQueues[taskID] = q[1:]
	if len(e.messageQueues[taskID]) == 0 {
		delete(e.messageQueues, taskID)
	}
	return msg, true
}

func (e *Executor) callbacksFor(taskID string) Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCallbacks[taskID]
}

func (e *Executor) emit(ctx context.Context, taskID, category string, sev event.Severity, msg string, data map[string]any) {
	if e.events == nil {
		return
	}
	ev := &event.Event{
		ID: ids.NewEventID(), TaskID: taskID, Category: category, Severity: sev,
		Message: msg, Data: data, CreatedAt: e.clock.Now(),
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("failed to append event", "task", taskID, "err", err)
	}
}

// gitFor returns a GitOps bound to the task's worktree path.
func (e *Executor) gitFor(ctx context.Context, taskID string) (*gitops.GitOps, error) {
	w, err := e.worktrees.Get(ctx, taskID)
	if err != nil || w == nil {
		return nil, fmt.Errorf("no worktree for task %s", taskID)
	}
	return gitops.New(w.Path), nil
}

// detach returns a context carrying no deadline from ctx but preserving no
// values either — the run's own lifetime is managed by Stop()/Supervisor,
// not the caller's request context.
func detach(_ context.Context) context.Context {
	return context.Background()
}
