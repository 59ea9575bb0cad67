// Package metrics provides Prometheus metrics for the intake engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ReferralsReceived      *prometheus.CounterVec
	FlowsSelected          *prometheus.CounterVec
	DifferencesEmitted     prometheus.Counter
	DifferencesPreselected prometheus.Counter
	MergesRejected         prometheus.Counter
	LookupDuration         prometheus.Histogram
	LookupsSuppressed      prometheus.Counter
	IntakeDuration         prometheus.Histogram
	ReferralsHeld          prometheus.Gauge
	KafkaMessagesProduced  prometheus.Counter
	KafkaMessagesConsumed  prometheus.Counter
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ReferralsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referrals_received_total",
			Help: "Total referrals received, by source channel",
		}, []string{"channel"}),
		FlowsSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_flows_selected_total",
			Help: "Total intake flow decisions, by outcome",
		}, []string{"flow"}),
		DifferencesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_differences_total",
			Help: "Total patient differences emitted by reconciliation",
		}),
		DifferencesPreselected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_differences_preselected_total",
			Help: "Differences pre-selected for merge (unverified-extracted)",
		}),
		MergesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merges_rejected_total",
			Help: "Submits rejected because differences were unconfirmed",
		}),
		LookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "record_lookup_duration_seconds",
			Help:    "External record lookup duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		LookupsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "record_lookups_suppressed_total",
			Help: "Lookup responses dropped as stale",
		}),
		IntakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_processing_duration_seconds",
			Help:    "Referral intake processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ReferralsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "referrals_held",
			Help: "Referrals parked awaiting a human flow decision",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ReferralsReceived,
		m.FlowsSelected,
		m.DifferencesEmitted,
		m.DifferencesPreselected,
		m.MergesRejected,
		m.LookupDuration,
		m.LookupsSuppressed,
		m.IntakeDuration,
		m.ReferralsHeld,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
