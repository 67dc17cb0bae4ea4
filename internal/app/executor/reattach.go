package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/elephantci/orchestrator/internal/app/gitops"
	"github.com/elephantci/orchestrator/internal/domain/agentrun"
	"github.com/elephantci/orchestrator/internal/domain/event"
)

// isProcessAlive checks whether pid is still running by sending signal 0,
// which delivers no signal but fails if the process doesn't exist or isn't
// ours to signal.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func runHasDoneSentinel(runDir string) bool {
	_, err := os.Stat(filepath.Join(runDir, ".done"))
	return err == nil
}

// tailAgent implements QueryAgent by tailing a run directory's output.jsonl
// instead of spawning a process. It's the read side of the reattachment
// path: a run whose original Subprocess invocation outlived (or just
// preceded) a restart of this process is resumed by tailing the same file
// the original invocation was writing to.
type tailAgent struct {
	runDir string
}

func (a *tailAgent) Query(ctx context.Context, _ QueryRequest) (<-chan Message, error) {
	out := make(chan Message, 16)
	go a.tail(ctx, out)
	return out, nil
}

func (a *tailAgent) tail(ctx context.Context, out chan<- Message) {
	defer close(out)

	path := filepath.Join(a.runDir, "output.jsonl")
	donePath := filepath.Join(a.runDir, ".done")

	var f *os.File
	for {
		var err error
		f, err = os.Open(path)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadBytes('\n')
		if err == nil {
			idle = 0
			offset += int64(len(line))
			if msg, ok := parseWireLine(line); ok {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
			continue
		}
		if err != io.EOF {
			return
		}

		if _, statErr := os.Stat(donePath); statErr == nil {
			if len(line) > 0 {
				if msg, ok := parseWireLine(line); ok {
					select {
					case out <- msg:
					case <-ctx.Done():
					}
				}
			}
			return
		}

		idle++
		wait := 200 * time.Millisecond
		switch {
		case idle > 20:
			wait = 2 * time.Second
		case idle > 5:
			wait = 500 * time.Millisecond
		}
		select {
		case <-time.After(wait):
			_, _ = f.Seek(offset, io.SeekStart)
			reader.Reset(f)
		case <-ctx.Done():
			return
		}
	}
}

// wireLine mirrors the subset of agentquery's newline-delimited wire format
// this package needs to replay a run's recorded output file. It is kept in
// sync with agentquery's own wireMessage by convention, not by import — the
// executor package can't depend on agentquery, which already depends on it.
type wireLine struct {
	Type             string            `json:"type"`
	Subtype          string            `json:"subtype"`
	Content          []wireContentLine `json:"content"`
	Errors           []string          `json:"errors"`
	StructuredOutput map[string]any    `json:"structured_output"`
	Outcome          string            `json:"outcome"`
	ToolResult       string            `json:"result"`
	ToolUseID        string            `json:"tool_use_id"`
	Usage            *wireUsageLine    `json:"usage"`
}

type wireContentLine struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

type wireUsageLine struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func parseWireLine(raw []byte) (Message, bool) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return Message{}, false
	}
	var wl wireLine
	if err := json.Unmarshal([]byte(line), &wl); err != nil {
		return Message{}, false
	}
	msg := Message{
		Type:             MessageType(wl.Type),
		Subtype:          wl.Subtype,
		Errors:           wl.Errors,
		StructuredOutput: wl.StructuredOutput,
		Outcome:          wl.Outcome,
		ToolResult:       wl.ToolResult,
		ToolUseID:        wl.ToolUseID,
	}
	if wl.Usage != nil {
		msg.Usage = &Usage{InputTokens: wl.Usage.InputTokens, OutputTokens: wl.Usage.OutputTokens}
	}
	for _, c := range wl.Content {
		msg.Content = append(msg.Content, ContentBlock{
			Kind: c.Type, Text: c.Text, ToolName: c.Name, ToolID: c.ID, ToolInput: c.Input,
		})
	}
	return msg, true
}

// readRunOutputFile replays an entire recorded output file with no polling —
// used when the writing process is confirmed dead, so no further lines are
// coming.
func readRunOutputFile(runDir string) []Message {
	data, err := os.ReadFile(filepath.Join(runDir, "output.jsonl"))
	if err != nil {
		return nil
	}
	var msgs []Message
	for _, line := range strings.Split(string(data), "\n") {
		if msg, ok := parseWireLine([]byte(line)); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// failOrphan is the ghost-run path shared by a legacy running row (no
// RunDir to inspect) and a row whose process is confirmed dead with no
// output left to harvest.
func (e *Executor) failOrphan(ctx context.Context, r *agentrun.AgentRun, note string) {
	r.Status = agentrun.StatusFailed
	r.Outcome = "interrupted"
	now := e.clock.Now()
	r.CompletedAt = &now
	r.AppendOutput(note)
	if err := e.agentRuns.Update(ctx, r); err != nil {
		e.logger.Error("failed to mark orphaned run", "run", r.ID, "err", err)
		return
	}
	if e.worktrees != nil {
		_ = e.worktrees.Unlock(ctx, r.TaskID)
	}
	if e.prompts != nil {
		_ = e.prompts.ExpireByAgentRun(ctx, r.ID)
	}
	e.emit(ctx, r.TaskID, "agent", event.SeverityWarning, "recovered orphaned run at startup", map[string]any{"runId": r.ID})
}

// harvestDeadRun folds whatever the dead process managed to write into the
// run before failing it, instead of discarding that output.
func (e *Executor) harvestDeadRun(ctx context.Context, r *agentrun.AgentRun) {
	t, err := e.tasks.Get(ctx, r.TaskID)
	if err != nil {
		e.failOrphan(ctx, r, "\n[recovered orphaned run at startup]")
		return
	}
	recon := newReconciler(t, r)
	for _, msg := range readRunOutputFile(r.RunDir) {
		e.applyMessage(t, r, msg, recon)
	}
	e.failOrphan(ctx, r, "\n[recovered orphaned run at startup: process exited without completing]")
}

// reattach resumes a run whose subprocess is either still alive (timeout
// zero: tail indefinitely until its .done sentinel appears, same as a live
// run) or already finished (timeout bounds the harvest to however long is
// needed to drain the already-complete file). Either way it rejoins the
// normal validate/finalize pipeline instead of a bespoke recovery path.
func (e *Executor) reattach(run *agentrun.AgentRun, timeout time.Duration) {
	ctx := context.Background()
	t, err := e.tasks.Get(ctx, run.TaskID)
	if err != nil {
		e.logger.Error("failed to load task for orphan reattachment", "run", run.ID, "task", run.TaskID, "err", err)
		return
	}
	w, err := e.worktrees.Get(ctx, run.TaskID)
	if err != nil || w == nil {
		e.logger.Error("no worktree to reattach orphaned run to", "run", run.ID, "task", run.TaskID)
		return
	}
	prep := &prepResult{workDir: w.Path, git: gitops.New(w.Path), phase: t.ActivePhase(), prompt: run.Prompt}

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	e.mu.Lock()
	e.live[run.ID] = cancel
	e.runTask[run.ID] = run.TaskID
	e.mu.Unlock()

	e.metrics.RecordAgentRunStart(run.Mode, run.AgentType)

	go func() {
		defer cancel()
		defer e.clearLive(run.ID)
		defer func() { _ = e.worktrees.Unlock(context.Background(), run.TaskID) }()
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("orphan reattachment panicked", "run", run.ID, "panic", rec)
				e.failRun(context.Background(), run, fmt.Errorf("internal error: %v", rec))
			}
		}()

		if err := e.stream(runCtx, t, run, &tailAgent{runDir: run.RunDir}, QueryRequest{}); err != nil {
			e.failRun(context.Background(), run, err)
			return
		}
		if e.handleInterrupted(t, run) {
			// stream() already persisted a cancelled/timed-out terminal
			// state (the harvest timeout elapsed without a .done sentinel).
			return
		}
		if !skipValidation(run.Mode) {
			e.validateLoop(context.Background(), t, run, prep)
			if e.handleInterrupted(t, run) {
				return
			}
		}
		e.finalize(context.Background(), t, run, prep)
	}()
}
