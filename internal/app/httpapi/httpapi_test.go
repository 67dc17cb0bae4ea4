package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephantci/orchestrator/internal/app/executor"
	pipelineapp "github.com/elephantci/orchestrator/internal/app/pipeline"
	"github.com/elephantci/orchestrator/internal/app/workflow"
	"github.com/elephantci/orchestrator/internal/app/worktree"
	domainpipeline "github.com/elephantci/orchestrator/internal/domain/pipeline"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/infra/metrics"
	"github.com/elephantci/orchestrator/internal/infra/store/sqlite"
	"github.com/elephantci/orchestrator/internal/shared/clock"
)

// newTestServer wires the API over real sqlite-backed stores and a real
// Pipeline Engine, so these tests exercise the same paths serve does.
func newTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := sqlite.NewTaskStore(db)
	pipelines := sqlite.NewPipelineStore(db)
	phases := sqlite.NewPhaseStore(db)
	agentRuns := sqlite.NewAgentRunStore(db)
	artifacts := sqlite.NewArtifactStore(db)
	prompts := sqlite.NewPromptStore(db)
	contexts := sqlite.NewTaskContextStore(db)
	events := sqlite.NewEventStore(db)
	history := sqlite.NewHistoryStore(db)
	wtStore := sqlite.NewWorktreeStore(db)

	ctx := t.Context()
	require.NoError(t, pipelines.Create(ctx, &domainpipeline.Pipeline{
		ID: "dev", Name: "Dev", TaskType: "dev",
		Statuses: []domainpipeline.Status{
			{Name: "open", Label: "Open"},
			{Name: "in_progress", Label: "In Progress"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: []domainpipeline.Transition{
			{From: "open", To: "in_progress", Trigger: domainpipeline.TriggerManual},
			{From: "in_progress", To: "done", Trigger: domainpipeline.TriggerManual},
		},
	}))
	require.NoError(t, tasks.Create(ctx, &task.Task{
		ID: "t1", ProjectID: "p1", PipelineID: "dev", Title: "Fix login flow", Status: "open",
	}))

	engine := pipelineapp.New(pipelines, tasks, history, events, clk, nil)

	wtMgr := worktree.NewManager(t.TempDir(), wtStore, nil)
	ex := executor.New(executor.Config{}, tasks, phases, agentRuns, artifacts, prompts,
		contexts, events, wtMgr, engine, map[string]executor.QueryAgent{}, clk, nil)

	wf := workflow.New(tasks, engine, ex, events, clk, nil)
	srv := New(wf, tasks, events, prompts, artifacts, ex, metrics.New(), nil)
	return srv.Router(Config{})
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

func TestHealthz(t *testing.T) {
	router := newTestServer(t)
	rec, _ := doJSON(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTask(t *testing.T) {
	router := newTestServer(t)

	rec, body := doJSON(t, router, http.MethodGet, "/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Fix login flow", body["title"])
	assert.Equal(t, "open", body["status"])

	rec, _ = doJSON(t, router, http.MethodGet, "/tasks/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	router := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks?projectId=p1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0]["id"])
}

func TestTransitionEndpoint(t *testing.T) {
	router := newTestServer(t)

	rec, body := doJSON(t, router, http.MethodPost, "/tasks/t1/transition",
		`{"toStatus":"in_progress","actor":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["Success"])

	rec, getBody := doJSON(t, router, http.MethodGet, "/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "in_progress", getBody["status"])

	// No transition in_progress->open exists.
	rec, body = doJSON(t, router, http.MethodPost, "/tasks/t1/transition", `{"toStatus":"open"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["Success"])
}

func TestTransitionUnknownTask(t *testing.T) {
	router := newTestServer(t)
	rec, _ := doJSON(t, router, http.MethodPost, "/tasks/nope/transition", `{"toStatus":"done"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransitionValidation(t *testing.T) {
	router := newTestServer(t)
	rec, _ := doJSON(t, router, http.MethodPost, "/tasks/t1/transition", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsAfterTransition(t *testing.T) {
	router := newTestServer(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/tasks/t1/transition", `{"toStatus":"in_progress"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/tasks/t1/events", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &rows))
	assert.NotEmpty(t, rows)
}

func TestRunOutputCacheMiss(t *testing.T) {
	router := newTestServer(t)
	rec, _ := doJSON(t, router, http.MethodGet, "/runs/unknown/output", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
