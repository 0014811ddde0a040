package conversation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatflow/api/services/flow"
)

// Metrics records conversation activity. A nil *Metrics records nothing.
type Metrics struct {
	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	nodes         *prometheus.CounterVec
	errors        *prometheus.CounterVec
	started       prometheus.Counter
	completed     prometheus.Counter
	staticReplies prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatflow",
			Name:      "turns_total",
			Help:      "Processed user inputs by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatflow",
			Name:      "turn_duration_seconds",
			Help:      "Time spent processing one user input.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatflow",
			Name:      "node_executions_total",
			Help:      "Executed nodes by node type.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatflow",
			Name:      "errors_total",
			Help:      "Failed operations by error code.",
		}, []string{"code"}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatflow",
			Name:      "conversations_started_total",
			Help:      "Execution contexts created.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatflow",
			Name:      "conversations_completed_total",
			Help:      "Execution contexts that reached an end node.",
		}),
		staticReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatflow",
			Name:      "static_replies_total",
			Help:      "Messages answered by the static processor because no flow was active.",
		}),
	}
	reg.MustRegister(m.turns, m.turnDuration, m.nodes, m.errors, m.started, m.completed, m.staticReplies)
	return m
}

func (m *Metrics) observeTurn(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.failure(err)
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) nodeExecuted(t flow.NodeType) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) conversationStarted() {
	if m != nil {
		m.started.Inc()
	}
}

func (m *Metrics) conversationCompleted() {
	if m != nil {
		m.completed.Inc()
	}
}

func (m *Metrics) staticReply() {
	if m != nil {
		m.staticReplies.Inc()
	}
}

func (m *Metrics) failure(err error) {
	if m == nil || err == nil {
		return
	}
	code := RootCode(err)
	if code == "" {
		code = "INTERNAL"
	}
	m.errors.WithLabelValues(code).Inc()
}
