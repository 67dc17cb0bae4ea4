package main

import (
	"context"

	"github.com/elephantci/orchestrator/internal/domain/prompt"
	"github.com/elephantci/orchestrator/internal/shared/clock"
	"github.com/elephantci/orchestrator/internal/shared/ids"
)

// promptCreatorAdapter bridges prompt.Store to the pipeline engine's
// PromptCreator port, which the create_prompt hook calls by (taskID,
// agentRunID, promptType, payload) without knowing about PendingPrompt
// field names or id generation.
type promptCreatorAdapter struct {
	store prompt.Store
	clock clock.Clock
}

func (a promptCreatorAdapter) CreatePrompt(ctx context.Context, taskID, agentRunID, promptType string, payload map[string]any) error {
	p := &prompt.PendingPrompt{
		ID:         ids.NewPromptID(),
		TaskID:     taskID,
		AgentRunID: agentRunID,
		PromptType: promptType,
		Payload:    payload,
		Status:     prompt.StatusPending,
		CreatedAt:  a.clock.Now(),
	}
	return a.store.Create(ctx, p)
}
