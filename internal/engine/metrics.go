package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "confine"

// Metrics holds the Prometheus collectors shared by every Manager of a
// Registry. Each series carries a "model" label. A nil *Metrics records
// nothing.
type Metrics struct {
	commits        *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	merges         *prometheus.CounterVec
	massUpdates    *prometheus.CounterVec
	threads        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Commits attempted, by result (ok, error).",
		}, []string{"model", "result"}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "commit_duration_seconds",
			Help:      "Time spent persisting a change set.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merged_entities_total",
			Help:      "Entities touched by merge application, by outcome (updated, deleted, skipped, stale).",
		}, []string{"model", "outcome"}),
		massUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mass_updates_total",
			Help:      "Commits that exceeded the mass-update threshold.",
		}, []string{"model"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "threads",
			Help:      "Live threads per model.",
		}, []string{"model"}),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.commitDuration, m.merges, m.massUpdates, m.threads)
	}
	return m
}

func (m *Metrics) commit(model string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commits.WithLabelValues(model, result).Inc()
	m.commitDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
}

func (m *Metrics) merged(model, outcome string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(model, outcome).Inc()
}

func (m *Metrics) massUpdate(model string) {
	if m == nil {
		return
	}
	m.massUpdates.WithLabelValues(model).Inc()
}

func (m *Metrics) threadStarted(model string) {
	if m == nil {
		return
	}
	m.threads.WithLabelValues(model).Inc()
}

func (m *Metrics) threadStopped(model string) {
	if m == nil {
		return
	}
	m.threads.WithLabelValues(model).Dec()
}
