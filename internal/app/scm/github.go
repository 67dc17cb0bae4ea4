package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GitHubPlatform implements Platform against the GitHub REST API directly
// with net/http — the surface needed here is two endpoints, which does not
// justify a generated client dependency.
type GitHubPlatform struct {
	owner  string
	repo   string
	token  string
	client *http.Client
	apiURL string // override for tests
}

// NewGitHubPlatform constructs a Platform bound to one owner/repo, using
// token for bearer auth against the GitHub API.
func NewGitHubPlatform(owner, repo, token string) *GitHubPlatform {
	return &GitHubPlatform{
		owner:  owner,
		repo:   repo,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		apiURL: "https://api.github.com",
	}
}

type createPRRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

type createPRResponse struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
}

// CreatePR opens a pull request from branch onto base.
func (g *GitHubPlatform) CreatePR(ctx context.Context, branch, base, title, body string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls", g.apiURL, g.owner, g.repo)
	payload, err := json.Marshal(createPRRequest{Title: title, Head: branch, Base: base, Body: body})
	if err != nil {
		return "", fmt.Errorf("marshal create-pr request: %w", err)
	}
	var out createPRResponse
	if err := g.do(ctx, http.MethodPost, url, payload, &out); err != nil {
		return "", fmt.Errorf("create pr: %w", err)
	}
	return out.HTMLURL, nil
}

type mergePRRequest struct {
	MergeMethod string `json:"merge_method"`
}

// MergePR merges the pull request identified by its html_url, as returned
// by CreatePR.
func (g *GitHubPlatform) MergePR(ctx context.Context, prURL string) error {
	number, err := prNumberFromURL(prURL)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/merge", g.apiURL, g.owner, g.repo, number)
	payload, err := json.Marshal(mergePRRequest{MergeMethod: "squash"})
	if err != nil {
		return fmt.Errorf("marshal merge-pr request: %w", err)
	}
	return g.do(ctx, http.MethodPut, url, payload, nil)
}

func (g *GitHubPlatform) do(ctx context.Context, method, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github api %s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// prNumberFromURL extracts the PR number from a GitHub html_url of the form
// https://github.com/<owner>/<repo>/pull/<number>.
func prNumberFromURL(prURL string) (int, error) {
	idx := strings.LastIndex(prURL, "/pull/")
	if idx < 0 {
		return 0, fmt.Errorf("not a pull request url: %s", prURL)
	}
	var n int
	if _, err := fmt.Sscanf(prURL[idx+len("/pull/"):], "%d", &n); err != nil {
		return 0, fmt.Errorf("parse pr number from %s: %w", prURL, err)
	}
	return n, nil
}
