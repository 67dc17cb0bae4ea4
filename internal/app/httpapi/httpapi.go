// Package httpapi is the thin gin-based HTTP adapter over the Workflow
// facade: JSON REST for task/transition operations, a websocket endpoint
// for tailing a running agent's live output, and a /metrics endpoint over
// the Prometheus registry.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/elephantci/orchestrator/internal/app/executor"
	"github.com/elephantci/orchestrator/internal/app/workflow"
	"github.com/elephantci/orchestrator/internal/domain/artifact"
	"github.com/elephantci/orchestrator/internal/domain/event"
	"github.com/elephantci/orchestrator/internal/domain/prompt"
	"github.com/elephantci/orchestrator/internal/domain/task"
	"github.com/elephantci/orchestrator/internal/infra/metrics"
	"github.com/elephantci/orchestrator/internal/shared/logging"
)

// Server bundles the Workflow Facade plus the read-only stores the API
// needs for listing/lookup endpoints the facade itself doesn't expose.
type Server struct {
	workflow  *workflow.Workflow
	tasks     task.Store
	events    event.Store
	prompts   prompt.Store
	artifacts artifact.Store
	executor  *executor.Executor
	metrics   *metrics.Metrics
	logger    logging.Logger

	upgrader websocket.Upgrader
}

// Config configures inbound CORS and listen behavior.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// New constructs the gin engine wired to every route this facade exposes.
func New(
	wf *workflow.Workflow,
	tasks task.Store,
	events event.Store,
	prompts prompt.Store,
	artifacts artifact.Store,
	ex *executor.Executor,
	m *metrics.Metrics,
	logger logging.Logger,
) *Server {
	return &Server{
		workflow:  wf,
		tasks:     tasks,
		events:    events,
		prompts:   prompts,
		artifacts: artifacts,
		executor:  ex,
		metrics:   m,
		logger:    logging.OrNop(logger).With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine. Kept separate from New so tests can mount
// it with httptest without binding a real listener.
func (s *Server) Router(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	r.Use(cors.New(corsCfg))

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	tasks := r.Group("/tasks")
	{
		tasks.GET("", s.listTasks)
		tasks.GET("/:id", s.getTask)
		tasks.GET("/:id/events", s.listEvents)
		tasks.GET("/:id/artifacts", s.listArtifacts)
		tasks.GET("/:id/prompts", s.listPrompts)
		tasks.GET("/:id/transitions", s.availableTransitions)
		tasks.POST("/:id/transition", s.transition)
		tasks.POST("/:id/force-transition", s.forceTransition)
		tasks.POST("/:id/outcome", s.transitionByOutcome)
		tasks.POST("/:id/agent", s.startAgent)
		tasks.POST("/:id/message", s.queueMessage)
		tasks.POST("/:id/prompts/:promptId/answer", s.answerPrompt)
		tasks.GET("/:id/stream", s.streamOutput)
	}

	r.GET("/runs/:runId/output", s.runOutput)

	return r
}

// requestLogger records HTTP metrics for every handled request — route,
// method, status, and duration, not just errors.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start).Seconds())
	}
}
