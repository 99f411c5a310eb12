package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const relayNamespace = "oprelay"

// RelayMetrics contains the instrumented counters the pipeline and the
// sponsorship gate increment through the methods below
type RelayMetrics struct {
	pendingDepth prometheus.Gauge

	numReceived   prometheus.Counter
	numDuplicates prometheus.Counter
	numSubmitted  prometheus.Counter
	numRetried    prometheus.Counter
	numFailed     prometheus.Counter

	numSponsorships *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	return &RelayMetrics{
		pendingDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: relayNamespace,
				Name:      "pending_queue_depth",
				Help:      "Operations sitting in the pending queue. If it keeps growing, the worker is stuck or the upstream is down",
			}),

		numReceived: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "num_operations_received_total",
				Help:      "The number of operations accepted into the queue",
			}),

		numDuplicates: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "num_duplicate_submissions_total",
				Help:      "The number of submissions rejected because their (sender, nonce) was already claimed",
			}),

		numSubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "num_operations_submitted_total",
				Help:      "The number of operations acknowledged by the upstream",
			}),

		numRetried: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "num_attempts_retried_total",
				Help:      "The number of attempts that failed and were rescheduled",
			}),

		numFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "num_operations_failed_total",
				Help:      "The number of operations that reached terminal failure",
			}),

		numSponsorships: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: relayNamespace,
				Name:      "num_sponsorships_total",
				Help:      "Sponsorship decisions by outcome",
			}, []string{"outcome"}),
	}
}

func (m *RelayMetrics) SetPendingDepth(depth float64) {
	m.pendingDepth.Set(depth)
}

func (m *RelayMetrics) IncReceived() {
	m.numReceived.Inc()
}

func (m *RelayMetrics) IncDuplicates() {
	m.numDuplicates.Inc()
}

func (m *RelayMetrics) IncSubmitted() {
	m.numSubmitted.Inc()
}

func (m *RelayMetrics) IncRetried() {
	m.numRetried.Inc()
}

func (m *RelayMetrics) IncFailed() {
	m.numFailed.Inc()
}

func (m *RelayMetrics) IncSponsorship(outcome string) {
	m.numSponsorships.WithLabelValues(outcome).Inc()
}
