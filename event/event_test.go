package event

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/metrics"
	"github.com/hlandau/parazap/zap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindValues(t *testing.T) {
	assert.Equal(t, 0x1000, int(HandshakeSucceeded))
	assert.Equal(t, 0x2000, int(HandshakeFailedProtocol))
	assert.Equal(t, 0x4000, int(HandshakeFailedAuth))
	assert.Equal(t, 0x0800, int(HandshakeFailedNoDetail))
	assert.Equal(t, "HANDSHAKE_FAILED_AUTH", HandshakeFailedAuth.String())
	assert.Equal(t, "EVENT(0x1)", Kind(1).String())
}

func TestConstructors(t *testing.T) {
	v := zap.Verdict{RequestID: "r", StatusCode: 300, UserID: "u"}

	e := FailedAuth(v)
	assert.Equal(t, HandshakeFailedAuth, e.Kind)
	assert.Equal(t, 300, e.Value)
	assert.Equal(t, "HANDSHAKE_FAILED_AUTH status=300", e.String())

	e = Succeeded(v)
	assert.Equal(t, "u", e.UserID)
	assert.Zero(t, e.Value)

	e = FailedProtocol(zap.BadVersion)
	assert.Equal(t, 0x20000003, e.Value)
	assert.Equal(t, "HANDSHAKE_FAILED_PROTOCOL PROTOCOL_ERROR_BAD_VERSION", e.String())
}

func TestMonitorDropsWhenFull(t *testing.T) {
	m := metrics.NewZAPMetrics(prometheus.NewRegistry())
	mon := NewMonitor(2, m)

	for i := 0; i < 5; i++ {
		mon.Emit(Event{Kind: HandshakeSucceeded})
	}

	assert.EqualValues(t, 3, mon.Dropped())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DroppedEvents))
	assert.Len(t, mon.Events(), 2)

	mon.Close()
	mon.Close()
	mon.Emit(Event{})

	n := 0
	for range mon.Events() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestMulti(t *testing.T) {
	var mu sync.Mutex
	var got []Kind
	rec := EmitterFunc(func(e Event) {
		mu.Lock()
		got = append(got, e.Kind)
		mu.Unlock()
	})

	Multi{rec, nil, rec, Discard}.Emit(Event{Kind: HandshakeFailedTimeout})
	assert.Equal(t, []Kind{HandshakeFailedTimeout, HandshakeFailedTimeout}, got)
}

func TestLogEmitter(t *testing.T) {
	buf := new(bytes.Buffer)
	logger.InitWithWriter(buf, "DEBUG", "text")
	t.Cleanup(func() { logger.InitWithWriter(os.Stderr, "INFO", "text") })

	LogEmitter{}.Emit(Event{Kind: HandshakeFailedAuth, Value: 500, RequestID: "abc"})
	LogEmitter{}.Emit(FailedProtocol(zap.MalformedFrameCount))

	out := buf.String()
	require.Contains(t, out, "authentication denied")
	assert.Contains(t, out, "status=500")
	assert.Contains(t, out, "request_id=abc")
	assert.Contains(t, out, "PROTOCOL_ERROR_MALFORMED_REPLY")
}
