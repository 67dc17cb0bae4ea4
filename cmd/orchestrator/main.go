// Command orchestrator drives AI coding agents through user-defined
// pipelines against isolated Git worktrees. It wires the Pipeline Engine,
// Agent Executor, Worktree Manager, and Agent Supervisor over a SQLite
// store, exposing the result through a cobra CLI and a thin gin HTTP API —
// two adapters over the same Workflow facade.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/elephantci/orchestrator/internal/app/executor"
	"github.com/elephantci/orchestrator/internal/app/gitops"
	"github.com/elephantci/orchestrator/internal/app/httpapi"
	pipelineapp "github.com/elephantci/orchestrator/internal/app/pipeline"
	"github.com/elephantci/orchestrator/internal/app/scm"
	"github.com/elephantci/orchestrator/internal/app/supervisor"
	"github.com/elephantci/orchestrator/internal/app/workflow"
	"github.com/elephantci/orchestrator/internal/app/worktree"
	"github.com/elephantci/orchestrator/internal/config"
	"github.com/elephantci/orchestrator/internal/domain/artifact"
	"github.com/elephantci/orchestrator/internal/domain/event"
	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/prompt"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/infra/agentquery"
	"github.com/elephantci/orchestrator/internal/infra/metrics"
	"github.com/elephantci/orchestrator/internal/infra/notify"
	"github.com/elephantci/orchestrator/internal/infra/store/sqlite"
	"github.com/elephantci/orchestrator/internal/shared/clock"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Drives AI coding agents through user-defined task pipelines.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to orchestrator.yaml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTransitionCmd())
	root.AddCommand(newListCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles every collaborator built from config, shared by every
// subcommand so each one only wires the pieces it actually drives.
type app struct {
	cfg       *config.Config
	db        *sqlite.DB
	workflow  *workflow.Workflow
	tasks     task.Store
	events    event.Store
	prompts   prompt.Store
	artifacts artifact.Store
	engine    *pipelineapp.Engine
	executor  *executor.Executor
	sup       *supervisor.Supervisor
	metrics   *metrics.Metrics
	logger    logging.Logger
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logging.Configure(slog.New(handler))
	logger := logging.NewComponentLogger("main")

	clk := clock.Real

	db, err := sqlite.Open(cfg.Store.Path, clk)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tasks := sqlite.NewTaskStore(db)
	pipelines := sqlite.NewPipelineStore(db)
	phases := sqlite.NewPhaseStore(db)
	agentRuns := sqlite.NewAgentRunStore(db)
	artifacts := sqlite.NewArtifactStore(db)
	prompts := sqlite.NewPromptStore(db)
	contexts := sqlite.NewTaskContextStore(db)
	events := sqlite.NewEventStore(db)
	history := sqlite.NewHistoryStore(db)
	worktreeStore := sqlite.NewWorktreeStore(db)

	if err := seedPipelines(ctx, cfg, pipelines); err != nil {
		return nil, fmt.Errorf("seed pipelines: %w", err)
	}

	m := metrics.New()
	tp, err := metrics.InitTracer(ctx, metrics.TracingConfig(cfg.Tracing))
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	_ = tp

	engine := pipelineapp.New(pipelines, tasks, history, events, clk, logger)
	engine.SetObservability(m, metrics.Tracer("pipeline"))

	wtMgr := worktree.NewManager(cfg.ProjectDir, worktreeStore, logger)

	depLookup := func(ctx context.Context, depTaskID string) (bool, error) {
		t, err := tasks.Get(ctx, depTaskID)
		if err != nil {
			return false, err
		}
		p, err := pipelines.Get(ctx, t.PipelineID)
		if err != nil {
			return false, err
		}
		st, ok := p.StatusByName(t.Status)
		return ok && st.IsFinal, nil
	}
	splitDeps := func(raw string) []string {
		var out []string
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
		return out
	}

	pipelineapp.RegisterBuiltinGuards(engine, agentRuns)
	pipelineapp.RegisterDependenciesResolvedGuard(engine, depLookup, splitDeps)

	git := gitops.New(cfg.ProjectDir)
	var platform scm.Platform
	if cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		platform = scm.NewGitHubPlatform(cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.Token)
	}
	scmClient := scm.New(git, platform, cfg.Executor.BaseBranch, func(taskID string) (string, bool) {
		t, err := tasks.Get(ctx, taskID)
		if err != nil || t.BranchName == "" {
			return "", false
		}
		return t.BranchName, true
	}, logger)

	notifyRouter := notify.NewRouter(logger, notify.ConsoleSink{})

	promptAdapter := promptCreatorAdapter{store: prompts, clock: clk}

	queryAgents := map[string]executor.QueryAgent{}
	for _, a := range cfg.Agents {
		queryAgents[a.Type] = agentquery.New(agentquery.Config{
			Command: a.Command, Args: a.Args, Env: a.Env,
		}, logger)
	}
	if len(queryAgents) == 0 {
		logger.Warn("no agents configured; AgentExecutor will be unable to start any run")
	}

	ex := executor.New(
		executor.Config{
			DefaultTimeoutMs:     cfg.Executor.DefaultTimeoutMs,
			MaxValidationRetries: cfg.Executor.MaxValidationRetries,
			ValidationCommands:   cfg.Executor.ValidationCommands,
			ValidationTimeout:    cfg.Executor.ValidationTimeout,
			FlushInterval:        cfg.Executor.FlushInterval,
			RemoteName:           cfg.Executor.RemoteName,
			BaseBranch:           cfg.Executor.BaseBranch,
		},
		tasks, phases, agentRuns, artifacts, prompts, contexts, events,
		wtMgr, engine, queryAgents, clk, logger,
	)
	ex.SetMetrics(m)
	ex.SetNotifier(notifyRouter)

	pipelineapp.RegisterBuiltinHooks(engine, pipelineapp.BuiltinHookDeps{
		Agents:    ex,
		Prompts:   promptAdapter,
		Notifier:  notifyRouter,
		Scm:       scmClient,
		Worktrees: wtMgr,
	})

	if _, err := ex.RecoverOrphanedRuns(ctx); err != nil {
		logger.Warn("failed to recover orphaned runs at startup", "err", err)
	}

	sup := supervisor.New(supervisor.Config{
		TickInterval:     cfg.Supervisor.TickInterval,
		DefaultTimeoutMs: cfg.Supervisor.DefaultTimeoutMs,
	}, agentRuns, events, ex, clk, logger)
	sup.SetMetrics(m)

	wf := workflow.New(tasks, engine, ex, events, clk, logger)

	return &app{
		cfg: cfg, db: db, workflow: wf, tasks: tasks,
		events: events, prompts: prompts, artifacts: artifacts,
		engine: engine, executor: ex, sup: sup, metrics: m, logger: logger,
	}, nil
}

func seedPipelines(ctx context.Context, cfg *config.Config, store domainpipeline.Store) error {
	defs, err := config.LoadPipelines(cfg.PipelinesFile)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		existing, err := store.List(ctx)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		defs = config.DefaultPipelines()
	}
	for _, p := range defs {
		if p.ID == "" {
			p.ID = p.TaskType + "-pipeline"
		}
		if _, err := store.Get(ctx, p.ID); err == nil {
			continue
		}
		if err := store.Create(ctx, p); err != nil {
			return fmt.Errorf("create pipeline %s: %w", p.ID, err)
		}
	}
	return nil
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor loop and HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.db.Close()

			a.sup.Start(ctx)
			defer a.sup.Stop()

			if !a.cfg.HTTP.Enabled {
				<-ctx.Done()
				return nil
			}
			listenAddr := addr
			if listenAddr == "" {
				listenAddr = a.cfg.HTTP.Addr
			}
			srv := httpapi.New(a.workflow, a.tasks, a.events, a.prompts, a.artifacts, a.executor, a.metrics, a.logger)
			router := srv.Router(httpapi.Config{Addr: listenAddr})
			httpSrv := &http.Server{Addr: listenAddr, Handler: router}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("http api listening", "addr", listenAddr)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr from config")
	return cmd
}

func newTransitionCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "transition <taskId> <toStatus>",
		Short: "Drive a manual transition for a task.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.db.Close()
			res, err := a.workflow.Transition(ctx, args[0], args[1], actor)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("transition failed: %s", res.Error)
			}
			fmt.Printf("task %s now %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded against the transition")
	return cmd
}

func newListCmd() *cobra.Command {
	var projectID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.db.Close()
			rows, err := a.tasks.List(ctx, task.ListFilter{ProjectID: projectID, Status: status})
			if err != nil {
				return err
			}
			for _, t := range rows {
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.Status, t.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}
