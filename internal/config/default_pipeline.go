package config

import (
	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
)

// DefaultPipelines returns a single reference pipeline
// (planning -> implementing -> pr_review -> done, with the
// changes_requested/needs_info loops). It is installed only when no
// pipelines file is configured and the pipeline store is otherwise empty,
// giving a project something runnable out of the box.
func DefaultPipelines() []*domainpipeline.Pipeline {
	return []*domainpipeline.Pipeline{
		{
			Name:     "default",
			TaskType: "feature",
			Statuses: []domainpipeline.Status{
				{Name: "planning", Label: "Planning"},
				{Name: "implementing", Label: "Implementing"},
				{Name: "pr_review", Label: "In Review"},
				{Name: "done", Label: "Done", IsFinal: true},
			},
			Transitions: []domainpipeline.Transition{
				{
					From: "planning", To: "implementing", Trigger: domainpipeline.TriggerAgent, AgentOutcome: "plan_complete",
					Hooks: []domainpipeline.HookRef{
						{Name: "start_agent", Policy: domainpipeline.PolicyFireAndForget, Params: map[string]any{"mode": "implement", "agentType": "default"}},
					},
				},
				{
					From: "planning", To: "planning", Trigger: domainpipeline.TriggerAgent, AgentOutcome: "needs_info",
					Hooks: []domainpipeline.HookRef{
						{Name: "create_prompt", Policy: domainpipeline.PolicyRequired, Params: map[string]any{"resumeOutcome": "plan_revision"}},
					},
				},
				{
					From: "implementing", To: "pr_review", Trigger: domainpipeline.TriggerAgent, AgentOutcome: "pr_ready",
					Guards: []domainpipeline.GuardRef{{Name: "no_running_agent"}},
					Hooks: []domainpipeline.HookRef{
						{Name: "push_and_create_pr", Policy: domainpipeline.PolicyRequired},
						{Name: "notify", Policy: domainpipeline.PolicyBestEffort, Params: map[string]any{
							"titleTemplate": "{taskTitle} ready for review",
							"bodyTemplate":  "Moved from {fromStatus} to {toStatus}",
						}},
					},
				},
				{
					From: "implementing", To: "implementing", Trigger: domainpipeline.TriggerAgent, AgentOutcome: "no_changes",
				},
				{
					From: "implementing", To: "implementing", Trigger: domainpipeline.TriggerAgent, AgentOutcome: "conflicts_detected",
					Guards: []domainpipeline.GuardRef{{Name: "max_retries", Params: map[string]any{"max": 3}}},
				},
				{
					From: "pr_review", To: "implementing", Trigger: domainpipeline.TriggerAgent, AgentOutcome: "changes_requested",
					Hooks: []domainpipeline.HookRef{
						{Name: "start_agent", Policy: domainpipeline.PolicyFireAndForget, Params: map[string]any{"mode": "request_changes", "agentType": "default"}},
					},
				},
				{
					From: "pr_review", To: "done", Trigger: domainpipeline.TriggerManual,
					Guards: []domainpipeline.GuardRef{{Name: "has_pr"}},
					Hooks: []domainpipeline.HookRef{
						{Name: "merge_pr", Policy: domainpipeline.PolicyRequired},
						{Name: "advance_phase", Policy: domainpipeline.PolicyRequired},
					},
				},
				{
					// advance_phase synthesizes this arc when a multi-phase
					// task still has pending phases after a merge.
					From: "done", To: "implementing", Trigger: domainpipeline.TriggerSystem,
					Hooks: []domainpipeline.HookRef{
						{Name: "start_agent", Policy: domainpipeline.PolicyFireAndForget, Params: map[string]any{"mode": "implement", "agentType": "default"}},
					},
				},
			},
		},
	}
}
