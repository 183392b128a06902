package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the engine's Prometheus collectors. A single instance
// is created at startup and passed to the components that record into it.
type Metrics struct {
	ModelCalls     *prometheus.CounterVec
	ModelLatency   *prometheus.HistogramVec
	SkillCalls     *prometheus.CounterVec
	SkillLatency   *prometheus.HistogramVec
	GraphNodeSteps *prometheus.CounterVec
	ActiveGraphs   prometheus.Gauge
	EventsDropped  *prometheus.CounterVec
	QuotaDenied    prometheus.Counter
}

// NewMetrics registers the engine collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a private
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redline_model_calls_total",
			Help: "Model provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ModelLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redline_model_call_seconds",
			Help:    "Model provider call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		SkillCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redline_skill_calls_total",
			Help: "Skill dispatches by skill and outcome.",
		}, []string{"skill", "outcome"}),
		SkillLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redline_skill_call_seconds",
			Help:    "Skill dispatch latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"skill"}),
		GraphNodeSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redline_graph_node_steps_total",
			Help: "Review graph node executions by node.",
		}, []string{"node"}),
		ActiveGraphs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "redline_active_graphs",
			Help: "Graphs currently resident in the active-graphs table.",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redline_events_dropped_total",
			Help: "SSE events dropped due to slow consumers, by task.",
		}, []string{"reason"}),
		QuotaDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "redline_quota_denied_total",
			Help: "Review starts rejected for exhausted quota.",
		}),
	}
}

func (m *Metrics) RecordModelCall(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ModelCalls.WithLabelValues(provider, outcome).Inc()
	m.ModelLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordSkillCall(skillID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.SkillCalls.WithLabelValues(skillID, outcome).Inc()
	m.SkillLatency.WithLabelValues(skillID).Observe(d.Seconds())
}

func (m *Metrics) RecordNodeStep(node string) {
	if m == nil {
		return
	}
	m.GraphNodeSteps.WithLabelValues(node).Inc()
}

func (m *Metrics) RecordDroppedEvents(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) AddActiveGraphs(delta float64) {
	if m == nil {
		return
	}
	m.ActiveGraphs.Add(delta)
}

func (m *Metrics) RecordQuotaDenied() {
	if m == nil {
		return
	}
	m.QuotaDenied.Inc()
}
