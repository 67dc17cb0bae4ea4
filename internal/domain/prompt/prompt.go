// Package prompt models human-in-the-loop requests raised by an agent run.
package prompt

import (
	"context"
	"time"
)

// Status is the lifecycle of a PendingPrompt.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusExpired  Status = "expired"
)

// PendingPrompt is a question raised by an agent run that requires a human
// response before the run can proceed.
type PendingPrompt struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"taskId"`
	AgentRunID string         `json:"agentRunId"`
	PromptType string         `json:"promptType"`
	Payload    map[string]any `json:"payload,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	AnsweredAt *time.Time     `json:"answeredAt,omitempty"`
}

// Store is the PendingPrompt persistence port.
type Store interface {
	Create(ctx context.Context, p *PendingPrompt) error
	Get(ctx context.Context, id string) (*PendingPrompt, error)
	ListByTask(ctx context.Context, taskID string) ([]*PendingPrompt, error)
	Answer(ctx context.Context, id string, response map[string]any) error
	// ExpireByAgentRun transitions every pending prompt for agentRunID to
	// expired — called when its run terminates.
	ExpireByAgentRun(ctx context.Context, agentRunID string) error
}
