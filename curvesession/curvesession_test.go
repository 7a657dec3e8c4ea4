package curvesession

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlandau/parazap/abstract"
	"github.com/hlandau/parazap/internal/fctest"
)

type result struct {
	fc  abstract.FrameConn
	err error
}

func handshakeOver(t *testing.T, a, b abstract.FrameConn, server, client CurveConfig) (srv, cli result) {
	t.Helper()

	ctx := context.Background()
	done := make(chan result, 1)
	go func() {
		fc, err := New(ctx, a, server)
		if err != nil {
			a.Close()
		}
		done <- result{fc, err}
	}()

	fc, err := New(ctx, b, client)
	cli = result{fc, err}
	srv = <-done

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return
}

func handshake(t *testing.T, server, client CurveConfig) (srv, cli result) {
	a, b := fctest.Pipe()
	return handshakeOver(t, a, b, server, client)
}

type keys struct {
	serverPub, serverSec [32]byte
	clientPub, clientSec [32]byte
}

func newKeys(t *testing.T) keys {
	t.Helper()

	var k keys
	var err error
	k.serverPub, k.serverSec, err = GenerateKeyPair()
	require.NoError(t, err)
	k.clientPub, k.clientSec, err = GenerateKeyPair()
	require.NoError(t, err)
	return k
}

func TestPublicKey(t *testing.T) {
	pub, sec, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := PublicKey(sec)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestHandshake(t *testing.T) {
	k := newKeys(t)

	srv, cli := handshake(t,
		CurveConfig{IsServer: true, SecretKey: k.serverSec, Metadata: map[string]string{"Socket-Type": "ROUTER"}},
		CurveConfig{SecretKey: k.clientSec, ServerKey: k.serverPub, Metadata: map[string]string{"Socket-Type": "DEALER", "Identity": "c1"}})

	require.NoError(t, srv.err)
	require.NoError(t, cli.err)

	assert.Equal(t, "DEALER", srv.fc.RemoteMetadata()["Socket-Type"])
	assert.Equal(t, "c1", srv.fc.RemoteMetadata()["Identity"])
	assert.Equal(t, "ROUTER", cli.fc.RemoteMetadata()["Socket-Type"])

	msg := [][]byte{[]byte("first"), {}, []byte("third")}
	require.NoError(t, abstract.FCSendMessage(cli.fc, msg))
	got, err := abstract.FCReceiveMessage(srv.fc, nil)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	require.NoError(t, abstract.FCSendMessage(srv.fc, [][]byte{[]byte("reply")}))
	got, err = abstract.FCReceiveMessage(cli.fc, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("reply")}, got)
}

func TestMissingKeys(t *testing.T) {
	a, _ := fctest.Pipe()
	_, err := New(context.Background(), a, CurveConfig{IsServer: true})
	assert.Error(t, err)

	_, sec, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = New(context.Background(), a, CurveConfig{SecretKey: sec})
	assert.Error(t, err)
}

type deny struct{ code string }

func (d deny) Error() string  { return "denied" }
func (d deny) Reason() string { return d.code }

func TestAuthenticator(t *testing.T) {
	k := newKeys(t)

	var seen abstract.PeerInfo
	auth := abstract.AuthenticatorFunc(func(ctx context.Context, peer abstract.PeerInfo) (abstract.AuthResult, error) {
		seen = peer
		if len(peer.Credentials) == 1 && string(peer.Credentials[0]) == string(k.clientPub[:]) {
			return abstract.AuthResult{UserID: "client-1"}, nil
		}
		return abstract.AuthResult{}, deny{"400"}
	})

	t.Run("allow", func(t *testing.T) {
		srv, cli := handshake(t,
			CurveConfig{IsServer: true, SecretKey: k.serverSec, Authenticator: auth, Peer: abstract.PeerInfo{Domain: "global"}},
			CurveConfig{SecretKey: k.clientSec, ServerKey: k.serverPub})

		require.NoError(t, srv.err)
		require.NoError(t, cli.err)
		assert.Equal(t, Mechanism, seen.Mechanism)
		assert.Equal(t, "global", seen.Domain)
		assert.Equal(t, "client-1", srv.fc.RemoteMetadata()["User-Id"])
	})

	t.Run("deny", func(t *testing.T) {
		_, otherSec, err := GenerateKeyPair()
		require.NoError(t, err)

		srv, cli := handshake(t,
			CurveConfig{IsServer: true, SecretKey: k.serverSec, Authenticator: auth},
			CurveConfig{SecretKey: otherSec, ServerKey: k.serverPub})

		var d deny
		assert.True(t, errors.As(srv.err, &d))

		var remote *abstract.RemoteError
		require.True(t, errors.As(cli.err, &remote))
		assert.Equal(t, "400", remote.Reason)
	})
}

func TestWrongServerKey(t *testing.T) {
	k := newKeys(t)
	otherPub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	srv, cli := handshake(t,
		CurveConfig{IsServer: true, SecretKey: k.serverSec},
		CurveConfig{SecretKey: k.clientSec, ServerKey: otherPub})

	assert.Error(t, srv.err)
	assert.Error(t, cli.err)
}

// Forwards frames unchanged until armed, then corrupts or repeats the next
// data frame.
type faultConn struct {
	abstract.FrameConn

	mu     sync.Mutex
	flip   bool
	replay bool
	last   []byte
}

func (c *faultConn) SendFrame(data []byte, flags abstract.ZMTPFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if flags&abstract.ZF_Command != 0 {
		return c.FrameConn.SendFrame(data, flags)
	}

	switch {
	case c.flip:
		data = append([]byte(nil), data...)
		data[len(data)-1] ^= 0x01
	case c.replay && c.last != nil:
		if err := c.FrameConn.SendFrame(c.last, flags); err != nil {
			return err
		}
	}

	c.last = append([]byte(nil), data...)
	return c.FrameConn.SendFrame(data, flags)
}

func TestTamperedMessage(t *testing.T) {
	k := newKeys(t)
	a, b := fctest.Pipe()
	fc := &faultConn{FrameConn: b}

	srv, cli := handshakeOver(t, a, fc,
		CurveConfig{IsServer: true, SecretKey: k.serverSec},
		CurveConfig{SecretKey: k.clientSec, ServerKey: k.serverPub})
	require.NoError(t, srv.err)
	require.NoError(t, cli.err)

	fc.mu.Lock()
	fc.flip = true
	fc.mu.Unlock()

	require.NoError(t, cli.fc.SendFrame([]byte("payload"), abstract.ZF_None))
	_, _, err := srv.fc.ReceiveFrame()
	assert.ErrorContains(t, err, "Decryption")
}

func TestReplayedMessage(t *testing.T) {
	k := newKeys(t)
	a, b := fctest.Pipe()
	fc := &faultConn{FrameConn: b}

	srv, cli := handshakeOver(t, a, fc,
		CurveConfig{IsServer: true, SecretKey: k.serverSec},
		CurveConfig{SecretKey: k.clientSec, ServerKey: k.serverPub})
	require.NoError(t, srv.err)
	require.NoError(t, cli.err)

	require.NoError(t, cli.fc.SendFrame([]byte("one"), abstract.ZF_None))
	data, _, err := srv.fc.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	fc.mu.Lock()
	fc.replay = true
	fc.mu.Unlock()

	require.NoError(t, cli.fc.SendFrame([]byte("two"), abstract.ZF_None))
	_, _, err = srv.fc.ReceiveFrame()
	assert.ErrorContains(t, err, "out of sequence")
}

func TestUnencryptedDataFrame(t *testing.T) {
	k := newKeys(t)
	a, b := fctest.Pipe()

	srv, cli := handshakeOver(t, a, b,
		CurveConfig{IsServer: true, SecretKey: k.serverSec},
		CurveConfig{SecretKey: k.clientSec, ServerKey: k.serverPub})
	require.NoError(t, srv.err)
	require.NoError(t, cli.err)

	require.NoError(t, b.SendFrame([]byte("cleartext"), abstract.ZF_None))
	_, _, err := srv.fc.ReceiveFrame()
	assert.ErrorContains(t, err, "unencrypted")
}

func TestCheckRxNonce(t *testing.T) {
	s := &CurveSession{}
	nonce := func(n uint64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, n)
		return b
	}

	require.NoError(t, s.checkRxNonce(nonce(0)))
	require.NoError(t, s.checkRxNonce(nonce(5)))
	assert.Error(t, s.checkRxNonce(nonce(5)))
	assert.Error(t, s.checkRxNonce(nonce(4)))
	assert.NoError(t, s.checkRxNonce(nonce(6)))
}

func TestClose(t *testing.T) {
	k := newKeys(t)

	srv, cli := handshake(t,
		CurveConfig{IsServer: true, SecretKey: k.serverSec},
		CurveConfig{SecretKey: k.clientSec, ServerKey: k.serverPub})
	require.NoError(t, srv.err)
	require.NoError(t, cli.err)

	require.NoError(t, cli.fc.Close())
	assert.Equal(t, [32]byte{}, cli.fc.(*CurveSession).sharedKey)

	_, _, err := srv.fc.ReceiveFrame()
	assert.Error(t, err)
}
