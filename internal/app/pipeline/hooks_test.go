package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
)

type fakeAgentStarter struct {
	calledTaskID, calledMode, calledAgentType string
	err                                       error
}

func (f *fakeAgentStarter) StartAgent(_ context.Context, taskID, mode, agentType string) error {
	f.calledTaskID, f.calledMode, f.calledAgentType = taskID, mode, agentType
	return f.err
}

type fakePromptCreator struct {
	taskID, agentRunID, promptType string
	payload                        map[string]any
}

func (f *fakePromptCreator) CreatePrompt(_ context.Context, taskID, agentRunID, promptType string, payload map[string]any) error {
	f.taskID, f.agentRunID, f.promptType, f.payload = taskID, agentRunID, promptType, payload
	return nil
}

type fakeNotifier struct {
	taskID, title, body string
}

func (f *fakeNotifier) Notify(_ context.Context, taskID, title, body string) error {
	f.taskID, f.title, f.body = taskID, title, body
	return nil
}

type fakeScmHook struct {
	prLink     string
	mergeErr   error
	mergedTask string
	mergedPR   string
}

func (f *fakeScmHook) PushAndCreatePR(_ context.Context, taskID string) (string, error) {
	return f.prLink, nil
}
func (f *fakeScmHook) MergePR(_ context.Context, taskID, prLink string) error {
	f.mergedTask, f.mergedPR = taskID, prLink
	return f.mergeErr
}

type fakeWorktreeDeleter struct {
	deletedTaskIDs []string
}

func (f *fakeWorktreeDeleter) Delete(_ context.Context, taskID string) error {
	f.deletedTaskIDs = append(f.deletedTaskIDs, taskID)
	return nil
}

func TestHookStartAgent_NilAgentStarterFailsCleanly(t *testing.T) {
	fn := hookStartAgent(nil)
	res := fn(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, TransitionContext{}, nil)
	assert.False(t, res.Success)
}

func TestHookStartAgent_PassesModeAndAgentType(t *testing.T) {
	starter := &fakeAgentStarter{}
	fn := hookStartAgent(starter)
	res := fn(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, TransitionContext{}, map[string]any{
		"mode": "implement", "agentType": "coding",
	})
	assert.True(t, res.Success)
	assert.Equal(t, "t1", starter.calledTaskID)
	assert.Equal(t, "implement", starter.calledMode)
	assert.Equal(t, "coding", starter.calledAgentType)
}

func TestHookCreatePrompt_DefaultsPromptTypeToResume(t *testing.T) {
	prompts := &fakePromptCreator{}
	fn := hookCreatePrompt(prompts)
	res := fn(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, TransitionContext{
		Data: map[string]any{"agentRunId": "run-1", "payload": map[string]any{"k": "v"}},
	}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "resume", prompts.promptType)
	assert.Equal(t, "run-1", prompts.agentRunID)
	assert.Equal(t, map[string]any{"k": "v"}, prompts.payload)
}

func TestHookCreatePrompt_HonorsResumeOutcomeParam(t *testing.T) {
	prompts := &fakePromptCreator{}
	fn := hookCreatePrompt(prompts)
	res := fn(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, TransitionContext{}, map[string]any{
		"resumeOutcome": "changes_requested",
	})
	assert.True(t, res.Success)
	assert.Equal(t, "changes_requested", prompts.promptType)
}

func TestHookNotify_SubstitutesVars(t *testing.T) {
	notifier := &fakeNotifier{}
	fn := hookNotify(notifier)
	tr := domainpipeline.Transition{From: "implementing", To: "pr_review"}
	res := fn(context.Background(), &task.Task{ID: "t1", Title: "Fix login"}, tr, TransitionContext{}, map[string]any{
		"titleTemplate": "{taskTitle} moved to {toStatus}",
		"bodyTemplate":  "from {fromStatus} to {toStatus}",
	})
	assert.True(t, res.Success)
	assert.Equal(t, "Fix login moved to pr_review", notifier.title)
	assert.Equal(t, "from implementing to pr_review", notifier.body)
}

func TestSubstituteTemplateVars_DoesNotInterpretDollarSigns(t *testing.T) {
	out := substituteTemplateVars("{taskTitle}", map[string]string{"taskTitle": "refund $1 now"})
	assert.Equal(t, "refund $1 now", out)
}

func TestHookPushAndCreatePR_SetsTaskPRLink(t *testing.T) {
	scm := &fakeScmHook{prLink: "https://example.com/pr/7"}
	fn := hookPushAndCreatePR(scm)
	tsk := &task.Task{ID: "t1"}
	res := fn(context.Background(), tsk, domainpipeline.Transition{}, TransitionContext{}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "https://example.com/pr/7", tsk.PRLink)
}

func TestHookMergePR_DeletesWorktreeOnSuccess(t *testing.T) {
	scm := &fakeScmHook{}
	wt := &fakeWorktreeDeleter{}
	fn := hookMergePR(scm, wt)
	tsk := &task.Task{ID: "t1", PRLink: "https://example.com/pr/7"}
	res := fn(context.Background(), tsk, domainpipeline.Transition{}, TransitionContext{}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "t1", scm.mergedTask)
	assert.Contains(t, wt.deletedTaskIDs, "t1")
}

func TestHookMergePR_FailurePropagatesWithoutDeletingWorktree(t *testing.T) {
	scm := &fakeScmHook{mergeErr: fmt.Errorf("merge conflict")}
	wt := &fakeWorktreeDeleter{}
	fn := hookMergePR(scm, wt)
	res := fn(context.Background(), &task.Task{ID: "t1"}, domainpipeline.Transition{}, TransitionContext{}, nil)
	assert.False(t, res.Success)
	assert.Empty(t, wt.deletedTaskIDs)
}

func TestHookAdvancePhase_FlatTaskIsNoOp(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil)
	fn := hookAdvancePhase(e, nil)
	res := fn(context.Background(), &task.Task{}, domainpipeline.Transition{}, TransitionContext{}, nil)
	assert.True(t, res.Success)
}

func TestHookAdvancePhase_NoActivePhaseFails(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil)
	fn := hookAdvancePhase(e, nil)
	tsk := &task.Task{Phases: []task.ImplementationPhase{
		{Name: "phase-1", Status: task.PhaseCompleted},
		{Name: "phase-2", Status: task.PhaseFailed},
	}}
	res := fn(context.Background(), tsk, domainpipeline.Transition{}, TransitionContext{}, nil)
	assert.False(t, res.Success)
}

func TestHookAdvancePhase_FinalPhaseCompletesWithoutRecursing(t *testing.T) {
	tsk := &task.Task{
		ID:     "t1",
		PRLink: "https://example.com/pr/1",
		Phases: []task.ImplementationPhase{
			{Name: "phase-1", Status: task.PhaseInProgress},
		},
	}
	wt := &fakeWorktreeDeleter{}
	e := New(nil, nil, nil, nil, nil, nil)
	fn := hookAdvancePhase(e, wt)

	res := fn(context.Background(), tsk, domainpipeline.Transition{}, TransitionContext{}, nil)
	require.True(t, res.Success)
	assert.Equal(t, task.PhaseCompleted, tsk.Phases[0].Status)
	assert.Equal(t, "https://example.com/pr/1", tsk.Phases[0].PRLink)
	assert.Empty(t, tsk.PRLink)
	assert.Contains(t, wt.deletedTaskIDs, "t1")
}

func TestHookAdvancePhase_ActivatesNextPhaseAndRecursesIntoImplementing(t *testing.T) {
	p := &domainpipeline.Pipeline{
		ID: "p1",
		Statuses: []domainpipeline.Status{
			{Name: "phase_review"}, {Name: "implementing"},
		},
		Transitions: []domainpipeline.Transition{
			{From: "phase_review", To: "implementing", Trigger: domainpipeline.TriggerSystem},
		},
	}
	tsk := &task.Task{
		ID:         "t1",
		PipelineID: "p1",
		Status:     "phase_review",
		PRLink:     "https://example.com/pr/1",
		Phases: []task.ImplementationPhase{
			{Name: "phase-1", Status: task.PhaseInProgress},
			{Name: "phase-2", Status: task.PhasePending},
		},
	}
	e, tasks, _, _ := newTestEngine(p, tsk)
	fn := hookAdvancePhase(e, nil)

	res := fn(context.Background(), tsk, domainpipeline.Transition{}, TransitionContext{}, nil)
	require.True(t, res.Success)
	assert.Equal(t, task.PhaseCompleted, tsk.Phases[0].Status)
	assert.Equal(t, task.PhaseInProgress, tsk.Phases[1].Status)

	stored, _ := tasks.Get(context.Background(), "t1")
	assert.Equal(t, "implementing", stored.Status, "advance_phase must drive the recursive system transition")
}
