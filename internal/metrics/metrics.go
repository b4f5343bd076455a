package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "planline"

// Metrics holds the orchestrator collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	reviews      *prometheus.CounterVec
	checkpoints  *prometheus.CounterVec
	workerRuns   *prometheus.CounterVec
	duplicates   prometheus.Counter
}

// New registers collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workitem_transitions_total",
			Help:      "Work item state transitions by source and target state.",
		}, []string{"from", "to"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of each agent step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent", "status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Model tokens consumed per agent.",
		}, []string{"agent"}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_submitted_total",
			Help:      "Review verdicts by status.",
		}, []string{"status"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint lifecycle operations.",
		}, []string{"checkpoint", "op"}),
		workerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Worker processing attempts by result.",
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Inbound events ignored because their id was already processed.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.stepDuration, m.tokens, m.reviews, m.checkpoints, m.workerRuns, m.duplicates,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Step(agent, status string, d time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(agent, status).Observe(d.Seconds())
	if tokens > 0 {
		m.tokens.WithLabelValues(agent).Add(float64(tokens))
	}
}

func (m *Metrics) Review(status string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(status).Inc()
}

func (m *Metrics) Checkpoint(checkpointID, op string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(checkpointID, op).Inc()
}

func (m *Metrics) WorkerRun(result string) {
	if m == nil {
		return
	}
	m.workerRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
