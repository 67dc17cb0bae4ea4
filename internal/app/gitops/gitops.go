// Package gitops wraps the `git` binary as an opaque capability:
// branch/diff/rebase/clean/push operations needed by the Agent Executor's
// prepare/finalize steps.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// GitOps runs git commands against a single worktree directory.
type GitOps struct {
	dir string
}

// New binds a GitOps instance to a working directory (typically a task's
// worktree path).
func New(dir string) *GitOps {
	return &GitOps{dir: dir}
}

func (g *GitOps) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Fetch runs `git fetch <remote>`.
func (g *GitOps) Fetch(ctx context.Context, remote string) error {
	_, err := g.run(ctx, "fetch", remote)
	return err
}

// CreateBranch creates branch from base (checking it out).
func (g *GitOps) CreateBranch(ctx context.Context, branch, base string) error {
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := g.run(ctx, args...)
	return err
}

// Checkout switches to an existing branch.
func (g *GitOps) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// Push pushes the current branch, optionally force.
func (g *GitOps) Push(ctx context.Context, remote, branch string, force bool) error {
	args := []string{"push", remote, branch}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(ctx, args...)
	return err
}

// Pull pulls the given remote/branch.
func (g *GitOps) Pull(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "pull", remote, branch)
	return err
}

// Diff returns the unified diff between from and to (to defaults to the
// worktree's current state when empty).
func (g *GitOps) Diff(ctx context.Context, from, to string) (string, error) {
	spec := from
	if to != "" {
		spec = from + ".." + to
	}
	return g.run(ctx, "diff", spec)
}

// DiffStat returns `git diff --stat` between from and to.
func (g *GitOps) DiffStat(ctx context.Context, from, to string) (string, error) {
	spec := from
	if to != "" {
		spec = from + ".." + to
	}
	out, err := g.run(ctx, "diff", "--stat", spec)
	return strings.TrimSpace(out), err
}

// DiffSummary produces a human-readable, line-level annotated summary of
// the unified diff between from and to, for surfacing in events/UI rather
// than raw unified-diff text.
func (g *GitOps) DiffSummary(ctx context.Context, from, to string) (string, error) {
	raw, err := g.Diff(ctx, from, to)
	if err != nil {
		return "", err
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain("", raw, false)
	return dmp.DiffPrettyText(diffs), nil
}

// IsEmptyDiff reports whether the diff between from and to touches nothing
// — used to downgrade a pr_ready outcome to no_changes.
func (g *GitOps) IsEmptyDiff(ctx context.Context, from, to string) (bool, error) {
	out, err := g.Diff(ctx, from, to)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// Commit commits staged changes with message.
func (g *GitOps) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, "commit", "-m", message)
	return err
}

// Log returns the last count commit subjects.
func (g *GitOps) Log(ctx context.Context, count int) ([]string, error) {
	out, err := g.run(ctx, "log", "-n", strconv.Itoa(count), "--oneline")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Rebase rebases the current branch onto base.
func (g *GitOps) Rebase(ctx context.Context, base string) error {
	_, err := g.run(ctx, "rebase", base)
	return err
}

// RebaseAbort aborts an in-progress rebase.
func (g *GitOps) RebaseAbort(ctx context.Context) error {
	_, err := g.run(ctx, "rebase", "--abort")
	return err
}

// CurrentBranch returns the checked-out branch name.
func (g *GitOps) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// Clean discards uncommitted changes and untracked files.
func (g *GitOps) Clean(ctx context.Context) error {
	if _, err := g.run(ctx, "reset", "--hard"); err != nil {
		return err
	}
	_, err := g.run(ctx, "clean", "-fd")
	return err
}

// Status returns `git status --porcelain`.
func (g *GitOps) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--porcelain")
}

// ResetFile restores a single file to its HEAD state.
func (g *GitOps) ResetFile(ctx context.Context, path string) error {
	_, err := g.run(ctx, "checkout", "--", path)
	return err
}

// ShowCommit returns `git show` for a commit ref.
func (g *GitOps) ShowCommit(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "show", ref)
}

// DeleteRemoteBranch deletes branch on remote.
func (g *GitOps) DeleteRemoteBranch(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "push", remote, "--delete", branch)
	return err
}

func splitLines(raw string) []string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	var out []string
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}
