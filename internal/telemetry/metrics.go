// Package telemetry exposes the runtime's Prometheus metrics and a
// /healthz and /metrics HTTP surface, grounded on the teacher's
// pkg/observability package.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures metrics collection.
type Config struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults fills in Config zero values.
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "koi"
	}
}

// Metrics collects runtime counters for the agentic loop, the action
// orchestrator, tiered memory, and the MCP clients. A nil *Metrics is
// safe to call methods on: every Record/Inc/Set method is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	loopIterations *prometheus.CounterVec
	loopPivots     *prometheus.CounterVec
	loopDuration   *prometheus.HistogramVec
	loopErrors     *prometheus.CounterVec

	actionCalls    *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	actionErrors   *prometheus.CounterVec

	memoryPromotions *prometheus.CounterVec
	memoryTierSize   *prometheus.GaugeVec

	mcpCalls       *prometheus.CounterVec
	mcpCallLatency *prometheus.HistogramVec
	mcpConnActive  *prometheus.GaugeVec

	sessionsActive *prometheus.GaugeVec
	commitsTotal   *prometheus.CounterVec
}

// New builds a Metrics instance, or returns nil when disabled.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.loopIterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "loop", Name: "iterations_total",
		Help: "Total number of agentic loop iterations",
	}, []string{"agent"})
	m.loopPivots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "loop", Name: "pivots_total",
		Help: "Total number of pivot requests issued",
	}, []string{"agent"})
	m.loopDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: "loop", Name: "run_duration_seconds",
		Help:    "Duration of a full loop run",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"agent"})
	m.loopErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "loop", Name: "terminations_total",
		Help: "Total number of loop terminations by reason",
	}, []string{"agent", "reason"})

	m.actionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "action", Name: "calls_total",
		Help: "Total number of actions executed",
	}, []string{"intent", "resolution"})
	m.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: "action", Name: "call_duration_seconds",
		Help:    "Action execution duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"intent"})
	m.actionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "action", Name: "errors_total",
		Help: "Total number of action execution errors",
	}, []string{"intent"})

	m.memoryPromotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "memory", Name: "promotions_total",
		Help: "Total number of tier promotions",
	}, []string{"agent", "to_tier"})
	m.memoryTierSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: "memory", Name: "tier_entries",
		Help: "Number of entries currently held in a memory tier",
	}, []string{"agent", "tier"})

	m.mcpCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "mcp", Name: "calls_total",
		Help: "Total number of MCP tool calls",
	}, []string{"server", "tool", "outcome"})
	m.mcpCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: "mcp", Name: "call_duration_seconds",
		Help:    "MCP tool call duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"server", "tool"})
	m.mcpConnActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: "mcp", Name: "connections_active",
		Help: "Number of pooled MCP connections currently available",
	}, []string{"server"})

	m.sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: "session", Name: "active",
		Help: "Number of currently active sessions",
	}, []string{"agent"})
	m.commitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "session", Name: "commits_total",
		Help: "Total number of session changesets committed",
	}, []string{"agent"})

	m.registry.MustRegister(
		m.loopIterations, m.loopPivots, m.loopDuration, m.loopErrors,
		m.actionCalls, m.actionDuration, m.actionErrors,
		m.memoryPromotions, m.memoryTierSize,
		m.mcpCalls, m.mcpCallLatency, m.mcpConnActive,
		m.sessionsActive, m.commitsTotal,
	)
	return m
}

func (m *Metrics) RecordLoopIteration(agent string) {
	if m == nil {
		return
	}
	m.loopIterations.WithLabelValues(agent).Inc()
}

func (m *Metrics) RecordPivot(agent string) {
	if m == nil {
		return
	}
	m.loopPivots.WithLabelValues(agent).Inc()
}

func (m *Metrics) RecordLoopRun(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.loopDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) RecordTermination(agent, reason string) {
	if m == nil {
		return
	}
	m.loopErrors.WithLabelValues(agent, reason).Inc()
}

func (m *Metrics) RecordAction(intent, resolution string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.actionCalls.WithLabelValues(intent, resolution).Inc()
	m.actionDuration.WithLabelValues(intent).Observe(d.Seconds())
	if err != nil {
		m.actionErrors.WithLabelValues(intent).Inc()
	}
}

func (m *Metrics) RecordPromotion(agent, toTier string) {
	if m == nil {
		return
	}
	m.memoryPromotions.WithLabelValues(agent, toTier).Inc()
}

func (m *Metrics) SetTierSize(agent, tier string, n int) {
	if m == nil {
		return
	}
	m.memoryTierSize.WithLabelValues(agent, tier).Set(float64(n))
}

func (m *Metrics) RecordMCPCall(server, tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.mcpCalls.WithLabelValues(server, tool, outcome).Inc()
	m.mcpCallLatency.WithLabelValues(server, tool).Observe(d.Seconds())
}

func (m *Metrics) SetActiveConnections(server string, n int) {
	if m == nil {
		return
	}
	m.mcpConnActive.WithLabelValues(server).Set(float64(n))
}

func (m *Metrics) SetActiveSessions(agent string, n int) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(agent).Set(float64(n))
}

func (m *Metrics) RecordCommit(agent string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(agent).Inc()
}

// Handler serves the Prometheus exposition format. A nil Metrics
// reports 503, matching the teacher's disabled-metrics behaviour.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
