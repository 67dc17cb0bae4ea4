package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/elephantci/orchestrator/internal/app/executor"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/shared/errs"
)

type transitionRequest struct {
	ToStatus string `json:"toStatus" binding:"required"`
	Actor    string `json:"actor"`
}

type outcomeRequest struct {
	Outcome string         `json:"outcome" binding:"required"`
	Data    map[string]any `json:"data"`
}

type startAgentRequest struct {
	Mode      string `json:"mode" binding:"required"`
	AgentType string `json:"agentType" binding:"required"`
}

type queueMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

type answerPromptRequest struct {
	Response map[string]any `json:"response"`
}

func (s *Server) listTasks(c *gin.Context) {
	filter := task.ListFilter{
		ProjectID:  c.Query("projectId"),
		PipelineID: c.Query("pipelineId"),
		Status:     c.Query("status"),
		ParentID:   c.Query("parentId"),
	}
	rows, err := s.tasks.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) listEvents(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.events.ListByTask(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) listArtifacts(c *gin.Context) {
	rows, err := s.artifacts.ListByTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) listPrompts(c *gin.Context) {
	rows, err := s.prompts.ListByTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) answerPrompt(c *gin.Context) {
	var req answerPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.prompts.Answer(c.Request.Context(), c.Param("promptId"), req.Response); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) availableTransitions(c *gin.Context) {
	grouped, err := s.workflow.AvailableTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, grouped)
}

func (s *Server) transition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.workflow.Transition(c.Request.Context(), c.Param("id"), req.ToStatus, req.Actor)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	s.respondResult(c, res)
}

func (s *Server) forceTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.workflow.ForceTransition(c.Request.Context(), c.Param("id"), req.ToStatus, req.Actor)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	s.respondResult(c, res)
}

func (s *Server) transitionByOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.workflow.TransitionByOutcome(c.Request.Context(), c.Param("id"), req.Outcome, req.Data)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	s.respondResult(c, res)
}

func (s *Server) startAgent(c *gin.Context) {
	var req startAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	run, err := s.workflow.StartAgent(c.Request.Context(), c.Param("id"), req.Mode, req.AgentType, nil)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) queueMessage(c *gin.Context) {
	var req queueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	s.workflow.QueueMessage(c.Param("id"), req.Text)
	c.Status(http.StatusAccepted)
}

// runOutput serves a recently-completed run's transcript from the
// executor's in-memory cache; a cache miss means the entry aged out and
// the caller should fetch the run row instead.
func (s *Server) runOutput(c *gin.Context) {
	out, ok := s.executor.CompletedOutput(c.Param("runId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached output for run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": c.Param("runId"), "output": out})
}

// streamOutput upgrades to a websocket and relays a task's live output
// stream until the client disconnects or the subscription is torn down.
func (s *Server) streamOutput(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "task", c.Param("id"), "err", err)
		return
	}
	defer conn.Close()

	taskID := c.Param("id")
	ch := s.executor.Subscribe(taskID, 64)
	defer s.executor.Unsubscribe(taskID, ch)

	// Drain client reads to detect disconnects; this endpoint is
	// server-push only, so incoming frames are discarded.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for m := range ch {
		if err := conn.WriteJSON(toWireMessage(m)); err != nil {
			return
		}
	}
}

type wireMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Content []struct {
		Kind string `json:"kind"`
		Text string `json:"text,omitempty"`
	} `json:"content,omitempty"`
}

func toWireMessage(m executor.Message) wireMessage {
	wm := wireMessage{Type: string(m.Type), Subtype: m.Subtype, Outcome: m.Outcome}
	for _, b := range m.Content {
		wm.Content = append(wm.Content, struct {
			Kind string `json:"kind"`
			Text string `json:"text,omitempty"`
		}{Kind: b.Kind, Text: b.Text})
	}
	return wm
}

func (s *Server) respondResult(c *gin.Context, res any) {
	c.JSON(http.StatusOK, res)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps facade errors onto HTTP status codes by their errs.Kind.
func statusFor(err error) int {
	if errs.Is(err, errs.KindNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
