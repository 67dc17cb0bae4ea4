// Package supervisor runs the periodic ghost/timeout reconciliation loop
// described in the orchestrator's concurrency model: it is the safety net
// that catches agent runs the Executor's own bookkeeping lost track of.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/infra/metrics"
	"github.com/elephantci/orchestrator/internal/shared/clock"
	"github.com/elephantci/orchestrator/internal/shared/ids"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// Executor is the subset of the Agent Executor the supervisor depends on.
type Executor interface {
	LiveRunIDs() map[string]struct{}
	Stop(runID string) error
}

// Config tunes the supervisor's tick behaviour.
type Config struct {
	TickInterval     time.Duration
	DefaultTimeoutMs int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 10 * 60 * 1000
	}
	return c
}

// Supervisor reconciles persisted "running" AgentRun rows against the
// Executor's in-memory live set, on a fixed tick.
type Supervisor struct {
	cfg Config

	agentRuns agentrun.Store
	events    event.Store
	executor  Executor
	clock     clock.Clock
	logger    logging.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Supervisor.
func New(cfg Config, agentRuns agentrun.Store, events event.Store, executor Executor, clk clock.Clock, logger logging.Logger) *Supervisor {
	if clk == nil {
		clk = clock.Real
	}
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		agentRuns: agentRuns,
		events:    events,
		executor:  executor,
		clock:     clk,
		logger:    logging.OrNop(logger).With("component", "Supervisor"),
	}
}

// SetMetrics wires a Prometheus metrics sink into the supervisor. m may be
// nil, in which case every Record call degrades to a no-op.
func (s *Supervisor) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Start launches the tick loop in a background goroutine. A second call
// while already running is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.run(runCtx, s.stopped)
}

// Stop halts the tick loop and waits for the current tick, if any, to
// finish. Calling Stop without a prior Start is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.stopped = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Supervisor) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one reconciliation pass. Any error is logged and swallowed —
// the loop must never die from a single bad tick.
func (s *Supervisor) tick(ctx context.Context) {
	tickStart := time.Now()
	defer func() { s.metrics.RecordSupervisorTick(time.Since(tickStart).Seconds()) }()

	running, err := s.agentRuns.ListByStatus(ctx, agentrun.StatusRunning)
	if err != nil {
		s.logger.Warn("failed to list running agent runs", "err", err)
		return
	}
	if len(running) == 0 {
		return
	}

	live := s.executor.LiveRunIDs()
	now := s.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range running {
		r := r
		if _, ok := live[r.ID]; !ok {
			g.Go(func() error {
				s.reconcileGhost(gctx, r)
				return nil
			})
			continue
		}
		if s.timedOut(r, now) {
			g.Go(func() error {
				s.reconcileTimeout(gctx, r)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("tick reconciliation error", "err", err)
	}
}

func (s *Supervisor) timedOut(r *agentrun.AgentRun, now time.Time) bool {
	timeoutMs := r.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = s.cfg.DefaultTimeoutMs
	}
	return now.Sub(r.StartedAt) > time.Duration(timeoutMs)*time.Millisecond
}

// reconcileGhost handles a running row whose id is absent from the
// Executor's live set: the process that owned it is gone.
func (s *Supervisor) reconcileGhost(ctx context.Context, r *agentrun.AgentRun) {
	r.Status = agentrun.StatusFailed
	r.Outcome = "interrupted"
	now := s.clock.Now()
	r.CompletedAt = &now
	r.AppendOutput("\n[supervisor: run is no longer live, marking interrupted]")
	if err := s.agentRuns.Update(ctx, r); err != nil {
		s.logger.Error("failed to mark ghost run interrupted", "run", r.ID, "err", err)
		return
	}
	s.metrics.RecordGhostReconciled()
	s.emit(ctx, r.TaskID, fmt.Sprintf("Ghost run detected: %s is no longer live, marked interrupted", r.ID), r.ID)
}

// reconcileTimeout handles a live run that has exceeded its deadline: the
// Executor's own timer is expected to have caught this first, so arriving
// here means that timer failed to fire.
func (s *Supervisor) reconcileTimeout(ctx context.Context, r *agentrun.AgentRun) {
	if err := s.executor.Stop(r.ID); err != nil {
		s.logger.Warn("failed to stop timed-out run", "run", r.ID, "err", err)
	}
	r.Status = agentrun.StatusTimedOut
	r.Outcome = "failed"
	now := s.clock.Now()
	r.CompletedAt = &now
	r.AppendOutput("\n[supervisor: run exceeded its timeout]")
	if err := s.agentRuns.Update(ctx, r); err != nil {
		s.logger.Error("failed to mark run timed out", "run", r.ID, "err", err)
		return
	}
	s.metrics.RecordTimeoutReconciled()
	s.emit(ctx, r.TaskID, fmt.Sprintf("supervisor timed out run %s", r.ID), r.ID)
}

func (s *Supervisor) emit(ctx context.Context, taskID, msg, runID string) {
	if s.events == nil {
		return
	}
	ev := &event.Event{
		ID:        ids.NewEventID(),
		TaskID:    taskID,
		Category:  "supervisor",
		Severity:  event.SeverityWarning,
		Message:   msg,
		Data:      map[string]any{"runId": runID},
		CreatedAt: s.clock.Now(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		s.logger.Warn("failed to append supervisor event", "task", taskID, "err", err)
	}
}
