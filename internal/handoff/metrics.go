package handoff

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	commands       *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	acceptWait     prometheus.Histogram
	notifyFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "handoff",
				Name:      "commands_total",
				Help:      "Hand-off commands by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "handoff",
			Name:      "queue_depth",
			Help:      "Users currently waiting for an operator",
		}),
		acceptWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "handoff",
			Name:      "accept_wait_seconds",
			Help:      "Time from request to accept",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		notifyFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "handoff",
				Name:      "notify_failures_total",
				Help:      "Notifications that could not be delivered",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) command(cmd Command, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmd.String(), Kind(err)).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) accepted(wait time.Duration) {
	if m == nil {
		return
	}
	m.acceptWait.Observe(wait.Seconds())
}

func (m *Metrics) notifyFailed(t EventType) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(string(t)).Inc()
}
