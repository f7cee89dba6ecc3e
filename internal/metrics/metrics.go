package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder tracks payment flow events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordWebhook records a processed webhook. outcome is one of
	// "applied", "noop", "unmatched", "invalid", "error".
	RecordWebhook(event, outcome string)

	// RecordVerify records a poll outcome ("complete", "pending", "not_found", ...).
	RecordVerify(outcome string)

	// RecordTransition records a won pending -> terminal transition.
	RecordTransition(status, source string)

	RecordPremiumGrant()

	// RecordAnomaly records a data-integrity anomaly that was handled conservatively.
	RecordAnomaly(kind string)

	// ObserveCall records an outbound provider API call.
	ObserveCall(endpoint, status string, d time.Duration)
}

// NoopRecorder is a no-op implementation of the Recorder interface.
type NoopRecorder struct{}

func (NoopRecorder) RecordWebhook(_, _ string)                {}
func (NoopRecorder) RecordVerify(_ string)                    {}
func (NoopRecorder) RecordTransition(_, _ string)             {}
func (NoopRecorder) RecordPremiumGrant()                      {}
func (NoopRecorder) RecordAnomaly(_ string)                   {}
func (NoopRecorder) ObserveCall(_, _ string, _ time.Duration) {}

// Prometheus implements Recorder using Prometheus collectors.
type Prometheus struct {
	webhooksTotal     *prometheus.CounterVec
	verifyTotal       *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	premiumGrants     prometheus.Counter
	anomaliesTotal    *prometheus.CounterVec
	providerCalls     *prometheus.CounterVec
	providerCallTimes *prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		webhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "webhooks_total",
			Help:      "Total number of provider webhooks processed, by event and outcome.",
		}, []string{"event", "outcome"}),

		verifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "verify_total",
			Help:      "Total number of client verification polls, by reported outcome.",
		}, []string{"outcome"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "status_transitions_total",
			Help:      "Total number of pending to terminal transitions, by status and source.",
		}, []string{"status", "source"}),

		premiumGrants: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "premium_grants_total",
			Help:      "Total number of accounts upgraded to premium.",
		}),

		anomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "anomalies_total",
			Help:      "Total number of data-integrity anomalies handled conservatively.",
		}, []string{"kind"}),

		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to the payment provider.",
		}, []string{"endpoint", "status"}),

		providerCallTimes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to the payment provider in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func (m *Prometheus) RecordWebhook(event, outcome string) {
	m.webhooksTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Prometheus) RecordVerify(outcome string) {
	m.verifyTotal.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) RecordTransition(status, source string) {
	m.transitionsTotal.WithLabelValues(status, source).Inc()
}

func (m *Prometheus) RecordPremiumGrant() {
	m.premiumGrants.Inc()
}

func (m *Prometheus) RecordAnomaly(kind string) {
	m.anomaliesTotal.WithLabelValues(kind).Inc()
}

func (m *Prometheus) ObserveCall(endpoint, status string, d time.Duration) {
	m.providerCalls.WithLabelValues(endpoint, status).Inc()
	m.providerCallTimes.WithLabelValues(endpoint).Observe(d.Seconds())
}
