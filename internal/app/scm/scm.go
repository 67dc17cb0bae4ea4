// Package scm implements the ScmPlatform capability (createPR, mergePR)
// used by the push_and_create_pr / merge_pr hooks, wrapping calls to GitOps
// and an out-of-process hosting API behind a circuit breaker so a flapping
// or rate-limited host fails fast instead of being hammered.
package scm

import (
	"context"
	"fmt"

	"github.com/elephantci/orchestrator/internal/app/gitops"
	"github.com/elephantci/orchestrator/internal/shared/errs"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// Platform is the minimal hosting API the built-in hooks need: creating and
// merging pull requests. The wire protocol of the concrete host (GitHub,
// GitLab, ...) is opaque to the orchestrator core.
type Platform interface {
	CreatePR(ctx context.Context, branch, base, title, body string) (url string, err error)
	MergePR(ctx context.Context, prURL string) error
}

// Client adapts GitOps + a Platform into the pipeline engine's ScmHook
// interface, with circuit breakers protecting each remote call.
type Client struct {
	git      *gitops.GitOps
	platform Platform
	base     string

	pushBreaker  *errs.CircuitBreaker
	prBreaker    *errs.CircuitBreaker
	mergeBreaker *errs.CircuitBreaker

	branchForTask func(taskID string) (branch string, ok bool)
}

// New constructs a Client. branchForTask resolves a taskID to the branch
// that should be pushed/PR'd — populated by the caller from its Task store.
func New(git *gitops.GitOps, platform Platform, baseBranch string, branchForTask func(taskID string) (string, bool), logger logging.Logger) *Client {
	cfg := errs.DefaultCircuitBreakerConfig()
	return &Client{
		git:           git,
		platform:      platform,
		base:          baseBranch,
		branchForTask: branchForTask,
		pushBreaker:   errs.NewCircuitBreaker("scm.push", cfg, logger),
		prBreaker:     errs.NewCircuitBreaker("scm.create_pr", cfg, logger),
		mergeBreaker:  errs.NewCircuitBreaker("scm.merge_pr", cfg, logger),
	}
}

// PushAndCreatePR pushes the task's branch and opens a PR, returning its URL.
func (c *Client) PushAndCreatePR(ctx context.Context, taskID string) (string, error) {
	if c.platform == nil {
		return "", fmt.Errorf("push_and_create_pr: no SCM platform configured")
	}
	branch, ok := c.branchForTask(taskID)
	if !ok || branch == "" {
		return "", fmt.Errorf("push_and_create_pr: no branch recorded for task %s", taskID)
	}

	if err := c.pushBreaker.Execute(ctx, func(ctx context.Context) error {
		return errs.Retry(ctx, errs.DefaultRetryConfig(), func(ctx context.Context, _ int) error {
			return c.git.Push(ctx, "origin", branch, false)
		})
	}); err != nil {
		return "", fmt.Errorf("push_and_create_pr: push failed: %w", err)
	}

	var url string
	err := c.prBreaker.Execute(ctx, func(ctx context.Context) error {
		return errs.Retry(ctx, errs.DefaultRetryConfig(), func(ctx context.Context, _ int) error {
			u, err := c.platform.CreatePR(ctx, branch, c.base, "Task "+taskID, "")
			if err != nil {
				return err
			}
			url = u
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("push_and_create_pr: create PR failed: %w", err)
	}
	return url, nil
}

// MergePR merges the given PR URL. Transient host errors (rate limits,
// momentary 5xx) are retried with backoff inside the breaker's call so only
// a sustained failure run trips it open.
func (c *Client) MergePR(ctx context.Context, _ string, prURL string) error {
	if c.platform == nil {
		return fmt.Errorf("merge_pr: no SCM platform configured")
	}
	if prURL == "" {
		return fmt.Errorf("merge_pr: task has no prLink")
	}
	if err := c.mergeBreaker.Execute(ctx, func(ctx context.Context) error {
		return errs.Retry(ctx, errs.DefaultRetryConfig(), func(ctx context.Context, _ int) error {
			return c.platform.MergePR(ctx, prURL)
		})
	}); err != nil {
		return fmt.Errorf("merge_pr: %w", err)
	}
	return nil
}
