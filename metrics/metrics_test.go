package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilReceiverIsNoop(t *testing.T) {
	var m *ZAPMetrics
	assert.NotPanics(t, func() {
		m.RecordRequest("NULL")
		m.RecordOutcome("allowed", time.Millisecond)
		m.RecordFailure()
		m.RecordProtocolError("PROTOCOL_ERROR_BAD_VERSION")
		m.RecordOrphanReply()
		m.RecordDroppedEvent()
	})
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewZAPMetrics(reg)

	m.RecordRequest("PLAIN")
	m.RecordRequest("PLAIN")
	m.RecordRequest("CURVE")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("PLAIN")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Pending))

	m.RecordOutcome("allowed", 10*time.Millisecond)
	m.RecordOutcome("denied", 20*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pending))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RoundTrip))

	m.RecordFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pending), "unsent requests are never pending")

	m.RecordProtocolError("PROTOCOL_ERROR_BAD_REQUEST_ID")
	m.RecordOrphanReply()
	m.RecordDroppedEvent()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors.WithLabelValues("PROTOCOL_ERROR_BAD_REQUEST_ID")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrphanReplies))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedEvents))
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewZAPMetrics(prometheus.NewRegistry())
		NewZAPMetrics(prometheus.NewRegistry())
	})
}
