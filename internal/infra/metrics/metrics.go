// Package metrics exposes the orchestrator's observability surface: plain
// Prometheus collectors for gauges/histograms, OTel-metered counters for
// the pipeline/executor subsystems (bridged into the same Prometheus
// registry via the otel prometheus exporter), and OpenTelemetry tracing
// wiring for the HTTP API.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every collector the orchestrator records against. A nil
// *Metrics is valid and every Record/Inc/Observe method becomes a no-op, so
// callers never need to guard on whether metrics are enabled.
type Metrics struct {
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider

	// OTel-metered counters, scraped through the same /metrics endpoint as
	// the native collectors via the otel prometheus bridge.
	transitions   metric.Int64Counter
	guardFailures metric.Int64Counter
	hookFailures  metric.Int64Counter
	agentTokens   metric.Int64Counter

	transitionDuration *prometheus.HistogramVec

	agentRuns        *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentRunsActive  prometheus.Gauge
	agentOutcomes    *prometheus.CounterVec

	supervisorGhosts   prometheus.Counter
	supervisorTimeouts prometheus.Counter
	supervisorTickDur  prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New constructs a Metrics instance registered against a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	var opts []sdkmetric.Option
	if exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry), otelprom.WithNamespace(namespace)); err == nil {
		opts = append(opts, sdkmetric.WithReader(exporter))
	}
	m.meterProvider = sdkmetric.NewMeterProvider(opts...)
	meter := m.meterProvider.Meter(namespace)

	m.transitions = int64Counter(meter, "pipeline.transitions",
		"Total number of attempted state transitions, by result.")
	m.guardFailures = int64Counter(meter, "pipeline.guard_failures",
		"Total number of guard evaluations that failed, by guard name.")
	m.hookFailures = int64Counter(meter, "pipeline.hook_failures",
		"Total number of hook executions that failed, by hook name and policy.")
	m.agentTokens = int64Counter(meter, "executor.tokens",
		"Total tokens consumed by agent runs, by direction.")

	m.initPipelineMetrics()
	m.initExecutorMetrics()
	m.initSupervisorMetrics()
	m.initHTTPMetrics()
	return m
}

const namespace = "orchestrator"

// int64Counter builds a named counter off meter, falling back to a no-op
// instrument on an invalid name rather than leaving a nil to call Add on.
func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = metricnoop.Meter{}.Int64Counter(name)
	}
	return c
}

func (m *Metrics) initPipelineMetrics() {
	m.transitionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "transition_duration_seconds",
		Help:    "Time spent evaluating guards and running hooks for a transition.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"to_status"})

	m.registry.MustRegister(m.transitionDuration)
}

func (m *Metrics) initExecutorMetrics() {
	m.agentRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "executor", Name: "runs_total",
		Help: "Total number of agent runs started, by mode.",
	}, []string{"mode", "agent_type"})

	m.agentRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "executor", Name: "run_duration_seconds",
		Help:    "Wall-clock duration of a completed agent run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"mode", "outcome"})

	m.agentRunsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "executor", Name: "runs_active",
		Help: "Number of agent runs currently executing.",
	})

	m.agentOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "executor", Name: "outcomes_total",
		Help: "Total number of agent runs resolved, by outcome.",
	}, []string{"outcome"})

	m.registry.MustRegister(m.agentRuns, m.agentRunDuration, m.agentRunsActive, m.agentOutcomes)
}

func (m *Metrics) initSupervisorMetrics() {
	m.supervisorGhosts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "supervisor", Name: "ghost_runs_total",
		Help: "Total number of running agent runs reconciled as ghosts (no live process).",
	})
	m.supervisorTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "supervisor", Name: "timeouts_total",
		Help: "Total number of running agent runs reconciled as timed out.",
	})
	m.supervisorTickDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "supervisor", Name: "tick_duration_seconds",
		Help:    "Time spent reconciling one supervisor tick.",
		Buckets: prometheus.DefBuckets,
	})
	m.registry.MustRegister(m.supervisorGhosts, m.supervisorTimeouts, m.supervisorTickDur)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests, by route and status class.",
	}, []string{"method", "route", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordTransition records the outcome of one pipeline transition attempt.
func (m *Metrics) RecordTransition(fromStatus, toStatus, trigger, result string, seconds float64) {
	if m == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from_status", fromStatus),
		attribute.String("to_status", toStatus),
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	))
	m.transitionDuration.WithLabelValues(toStatus).Observe(seconds)
}

// RecordGuardFailure records a named guard rejecting a transition.
func (m *Metrics) RecordGuardFailure(guard string) {
	if m == nil {
		return
	}
	m.guardFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("guard", guard)))
}

// RecordHookFailure records a named hook failing under the given policy.
func (m *Metrics) RecordHookFailure(hook, policy string) {
	if m == nil {
		return
	}
	m.hookFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("hook", hook),
		attribute.String("policy", policy),
	))
}

// RecordAgentRunStart records an agent run beginning execution.
func (m *Metrics) RecordAgentRunStart(mode, agentType string) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(mode, agentType).Inc()
	m.agentRunsActive.Inc()
}

// RecordAgentRunEnd records an agent run finishing with the given outcome.
func (m *Metrics) RecordAgentRunEnd(mode, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.agentRunDuration.WithLabelValues(mode, outcome).Observe(seconds)
	m.agentOutcomes.WithLabelValues(outcome).Inc()
	m.agentRunsActive.Dec()
}

// RecordTokens adds to the cumulative input/output token counters.
func (m *Metrics) RecordTokens(inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.agentTokens.Add(context.Background(), int64(inputTokens),
			metric.WithAttributes(attribute.String("direction", "input")))
	}
	if outputTokens > 0 {
		m.agentTokens.Add(context.Background(), int64(outputTokens),
			metric.WithAttributes(attribute.String("direction", "output")))
	}
}

// RecordGhostReconciled records the supervisor marking a run as a ghost.
func (m *Metrics) RecordGhostReconciled() {
	if m == nil {
		return
	}
	m.supervisorGhosts.Inc()
}

// RecordTimeoutReconciled records the supervisor marking a run as timed out.
func (m *Metrics) RecordTimeoutReconciled() {
	if m == nil {
		return
	}
	m.supervisorTimeouts.Inc()
}

// RecordSupervisorTick records how long one reconciliation tick took.
func (m *Metrics) RecordSupervisorTick(seconds float64) {
	if m == nil {
		return
	}
	m.supervisorTickDur.Observe(seconds)
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, e.g. for tests using
// testutil.ToFloat64.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
