// Package metrics holds the Prometheus instrumentation for the tracker.
// All methods are nil-safe so components can run without metrics wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the tracker's Prometheus collectors.
type Metrics struct {
	requestsPublished   prometheus.Counter
	responsesCorrelated *prometheus.CounterVec
	responsesUnmatched  prometheus.Counter
	timeoutsSwept       prometheus.Counter
	recoveryRuns        *prometheus.CounterVec
	activeListeners     prometheus.Gauge
}

// New registers the tracker collectors with reg and returns them. Passing
// nil registers against the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requestsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubtrack",
			Name:      "requests_published_total",
			Help:      "Tracked requests published to the transport.",
		}),
		responsesCorrelated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubtrack",
			Name:      "responses_correlated_total",
			Help:      "Responses matched to a pending request, by resulting status.",
		}, []string{"status"}),
		responsesUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubtrack",
			Name:      "responses_unmatched_total",
			Help:      "Responses with no extractable id or no matching request.",
		}),
		timeoutsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubtrack",
			Name:      "request_timeouts_total",
			Help:      "Pending requests marked TIMEOUT by the sweep.",
		}),
		recoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubtrack",
			Name:      "recovery_runs_total",
			Help:      "Listener recovery attempts, by outcome.",
		}, []string{"outcome"}),
		activeListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pubtrack",
			Name:      "active_listeners",
			Help:      "Currently registered response listeners.",
		}),
	}

	reg.MustRegister(
		m.requestsPublished,
		m.responsesCorrelated,
		m.responsesUnmatched,
		m.timeoutsSwept,
		m.recoveryRuns,
		m.activeListeners,
	)
	return m
}

func (m *Metrics) RequestPublished() {
	if m != nil {
		m.requestsPublished.Inc()
	}
}

func (m *Metrics) ResponseCorrelated(status string) {
	if m != nil {
		m.responsesCorrelated.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ResponseUnmatched() {
	if m != nil {
		m.responsesUnmatched.Inc()
	}
}

func (m *Metrics) TimeoutsSwept(count int) {
	if m != nil && count > 0 {
		m.timeoutsSwept.Add(float64(count))
	}
}

func (m *Metrics) RecoveryRun(outcome string) {
	if m != nil {
		m.recoveryRuns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ListenerStarted() {
	if m != nil {
		m.activeListeners.Inc()
	}
}

func (m *Metrics) ListenerStopped() {
	if m != nil {
		m.activeListeners.Dec()
	}
}
