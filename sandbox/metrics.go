package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "execbox"

// Metrics holds the sandbox collectors.
type Metrics struct {
	executions      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	imagePulls      *prometheus.CounterVec
	cleanupFailures prometheus.Counter
}

// NewMetrics registers the sandbox collectors on reg. A nil reg keeps the
// collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Sandboxed executions by language and outcome.",
		}, []string{"language", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of sandboxed executions, staging to cleanup.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"language"}),
		imagePulls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "image_pulls_total",
			Help:      "Image pulls triggered by local cache misses.",
		}, []string{"result"}),
		cleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cleanup_failures_total",
			Help:      "Staged artifacts that could not be removed.",
		}),
	}
}

func (m *Metrics) observeExecution(language string, outcome Outcome, d time.Duration) {
	m.executions.WithLabelValues(language, string(outcome)).Inc()
	m.duration.WithLabelValues(language).Observe(d.Seconds())
}

func (m *Metrics) observePull(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.imagePulls.WithLabelValues(result).Inc()
}
