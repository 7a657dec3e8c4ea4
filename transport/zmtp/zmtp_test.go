package zmtp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hlandau/parazap"
	"github.com/hlandau/parazap/handler"
	"github.com/hlandau/parazap/zap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Starts an authenticator that allows everyone as "u-<mechanism>".
func startAuthenticator(t *testing.T) (endpoint string, stop func()) {
	t.Helper()

	return startPolicy(t, handler.PolicyFunc(func(_ context.Context, req *zap.Request) handler.Decision {
		return handler.Allow("u-" + req.Mechanism)
	}))
}

func startPolicy(t *testing.T, policy handler.Policy) (endpoint string, stop func()) {
	t.Helper()

	srv := &handler.Server{Policy: policy}

	l, err := parazap.Listen("tcp://127.0.0.1:0", parazap.SessionConfig{
		SocketType: parazap.REP,
		Mechanism:  "NULL",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, l) }()

	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		assert.NoError(t, <-served)
	}
	t.Cleanup(stop)

	return l.Endpoint(), stop
}

func nextReply(t *testing.T, tr *Transport) (zap.Envelope, bool) {
	t.Helper()
	select {
	case env, ok := <-tr.Replies():
		return env, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return zap.Envelope{}, false
	}
}

func TestRoundTrip(t *testing.T) {
	endpoint, _ := startAuthenticator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, endpoint, parazap.SessionConfig{})
	require.NoError(t, err)
	defer tr.Close()

	for i, mech := range []string{"NULL", "CURVE"} {
		req := &zap.Request{Version: zap.Version, RequestID: "id-" + mech, Mechanism: mech}
		if mech == "CURVE" {
			req.Credentials = [][]byte{make([]byte, 32)}
		}
		require.NoError(t, tr.Send(ctx, zap.Envelope{Route: uint64(100 + i), Frames: req.Frames()}))

		env, ok := nextReply(t, tr)
		require.True(t, ok)
		assert.EqualValues(t, 100+i, env.Route)
		require.Len(t, env.Frames, zap.ReplyFrameCount)
		assert.Equal(t, "id-"+mech, string(env.Frames[1]))
		assert.Equal(t, "200", string(env.Frames[2]))
		assert.Equal(t, "u-"+mech, string(env.Frames[4]))
	}
}

func TestRepliesCloseWhenAuthenticatorGoesAway(t *testing.T) {
	endpoint, stop := startAuthenticator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, endpoint, parazap.SessionConfig{})
	require.NoError(t, err)
	defer tr.Close()

	stop()

	_, ok := nextReply(t, tr)
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	endpoint, _ := startAuthenticator(t)

	tr, err := Dial(context.Background(), endpoint, parazap.SessionConfig{})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), zap.Envelope{Route: 1}), ErrClosed)

	_, ok := <-tr.Replies()
	assert.False(t, ok)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "udp://127.0.0.1:1", parazap.SessionConfig{})
	assert.Error(t, err)
}

func TestEnvelopeCodec(t *testing.T) {
	msg := Encode(zap.Envelope{Route: 0x0102030405060708, Frames: [][]byte{[]byte("a"), {}}})
	require.Len(t, msg, 4)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, msg[0])
	assert.Empty(t, msg[1])

	env, err := Decode(msg)
	require.NoError(t, err)
	assert.EqualValues(t, 0x0102030405060708, env.Route)
	assert.Len(t, env.Frames, 2)

	bad := [][][]byte{
		nil,
		{[]byte("12345678")},
		{[]byte("1234567"), {}},
		{[]byte("12345678"), []byte("x")},
	}
	for _, m := range bad {
		_, err := Decode(m)
		assert.Error(t, err)
	}
}

func TestOversizedReplyEndsSession(t *testing.T) {
	endpoint, _ := startPolicy(t, handler.PolicyFunc(func(_ context.Context, req *zap.Request) handler.Decision {
		d := handler.Allow("big")
		d.Metadata = map[string][]byte{"Blob": bytes.Repeat([]byte{'z'}, MaxFrameSize+1)}
		return d
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A caller asking for a larger limit still gets MaxFrameSize.
	tr, err := Dial(ctx, endpoint, parazap.SessionConfig{MaxRead: 1 << 30})
	require.NoError(t, err)
	defer tr.Close()

	req := &zap.Request{Version: zap.Version, RequestID: "id-big", Mechanism: "NULL"}
	require.NoError(t, tr.Send(ctx, zap.Envelope{Route: 1, Frames: req.Frames()}))

	_, ok := nextReply(t, tr)
	assert.False(t, ok)
}
