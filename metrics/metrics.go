// Package metrics holds the Prometheus collectors for ZAP exchanges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ZAPMetrics tracks Prometheus metrics for ZAP authentication.
//
// All metrics use the "parazap_zap_" prefix. Methods handle a nil receiver,
// so a nil *ZAPMetrics is a no-op when metrics are disabled.
type ZAPMetrics struct {
	// Requests counts requests sent to the authenticator.
	// Labels: mechanism=[NULL, PLAIN, CURVE]
	Requests *prometheus.CounterVec

	// Outcomes counts resolved handshakes.
	// Labels: result=[allowed, denied, protocol_error, timed_out, failed, cancelled]
	Outcomes *prometheus.CounterVec

	// ProtocolErrors counts rejected replies by violation.
	// Labels: reason=[PROTOCOL_ERROR_*]
	ProtocolErrors *prometheus.CounterVec

	// Pending tracks requests awaiting a reply.
	Pending prometheus.Gauge

	// RoundTrip tracks the time from sending a request to its resolution.
	RoundTrip prometheus.Histogram

	// OrphanReplies counts replies addressed to no waiting connection.
	OrphanReplies prometheus.Counter

	// DroppedEvents counts monitor events discarded because the consumer
	// was not keeping up.
	DroppedEvents prometheus.Counter
}

// NewZAPMetrics creates the collectors and registers them with registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewZAPMetrics(registerer prometheus.Registerer) *ZAPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &ZAPMetrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parazap_zap_requests_total",
				Help: "Total ZAP requests sent by mechanism",
			},
			[]string{"mechanism"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parazap_zap_outcomes_total",
				Help: "Total authenticated handshakes by result",
			},
			[]string{"result"},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parazap_zap_protocol_errors_total",
				Help: "Total rejected ZAP replies by reason",
			},
			[]string{"reason"},
		),
		Pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parazap_zap_pending_requests",
				Help: "Current number of ZAP requests awaiting a reply",
			},
		),
		RoundTrip: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parazap_zap_round_trip_seconds",
				Help:    "Time from sending a ZAP request to its resolution",
				Buckets: prometheus.DefBuckets,
			},
		),
		OrphanReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parazap_zap_orphan_replies_total",
				Help: "Total ZAP replies for no waiting connection",
			},
		),
		DroppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parazap_zap_dropped_events_total",
				Help: "Total handshake events dropped by a full monitor",
			},
		),
	}

	registerer.MustRegister(
		m.Requests,
		m.Outcomes,
		m.ProtocolErrors,
		m.Pending,
		m.RoundTrip,
		m.OrphanReplies,
		m.DroppedEvents,
	)

	return m
}

// RecordRequest records a request handed to the transport.
func (m *ZAPMetrics) RecordRequest(mechanism string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(mechanism).Inc()
	m.Pending.Inc()
}

// RecordOutcome records the resolution of a request sent earlier.
//
// Parameters:
//   - result: allowed, denied, protocol_error, timed_out or cancelled
//   - elapsed: time since the request was sent
func (m *ZAPMetrics) RecordOutcome(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(result).Inc()
	m.Pending.Dec()
	m.RoundTrip.Observe(elapsed.Seconds())
}

// RecordFailure records a request that could not be sent.
func (m *ZAPMetrics) RecordFailure() {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues("failed").Inc()
}

func (m *ZAPMetrics) RecordProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

func (m *ZAPMetrics) RecordOrphanReply() {
	if m == nil {
		return
	}
	m.OrphanReplies.Inc()
}

func (m *ZAPMetrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}
