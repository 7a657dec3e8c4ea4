package handler

import (
	"context"
	"testing"

	"github.com/hlandau/parazap/metadata"
	"github.com/hlandau/parazap/zap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(mechanism string, creds ...[]byte) [][]byte {
	r := &zap.Request{
		Version:     zap.Version,
		RequestID:   "req-1",
		Domain:      "global",
		Address:     "127.0.0.1",
		Identity:    []byte("IDENT"),
		Mechanism:   mechanism,
		Credentials: creds,
	}
	return r.Frames()
}

func TestServeZAPAllow(t *testing.T) {
	var seen *zap.Request
	s := &Server{Policy: PolicyFunc(func(_ context.Context, req *zap.Request) Decision {
		seen = req
		d := Allow("alice")
		d.Metadata = map[string][]byte{"Hello": []byte("World")}
		return d
	})}

	reply := s.ServeZAP(context.Background(), request("PLAIN", []byte("alice"), []byte("secret")))
	require.Len(t, reply, zap.ReplyFrameCount)

	assert.Equal(t, zap.Version, string(reply[0]))
	assert.Equal(t, "req-1", string(reply[1]))
	assert.Equal(t, "200", string(reply[2]))
	assert.Equal(t, "OK", string(reply[3]))
	assert.Equal(t, "alice", string(reply[4]))

	md, err := metadata.Decode(reply[5])
	require.NoError(t, err)
	assert.Equal(t, "World", string(md["Hello"]))

	require.NotNil(t, seen)
	assert.Equal(t, "global", seen.Domain)
	assert.Equal(t, "IDENT", string(seen.Identity))
	assert.Equal(t, "secret", string(seen.Credentials[1]))
}

func TestServeZAPDeny(t *testing.T) {
	s := &Server{Policy: PolicyFunc(func(context.Context, *zap.Request) Decision {
		return Deny(zap.StatusTemporaryFailure, "Try later")
	})}

	reply := s.ServeZAP(context.Background(), request("NULL"))
	require.Len(t, reply, zap.ReplyFrameCount)
	assert.Equal(t, "300", string(reply[2]))
	assert.Equal(t, "Try later", string(reply[3]))
	assert.Empty(t, reply[4])
}

func TestServeZAPMalformed(t *testing.T) {
	called := false
	s := &Server{Policy: PolicyFunc(func(context.Context, *zap.Request) Decision {
		called = true
		return Allow("x")
	})}

	tests := []struct {
		name   string
		frames [][]byte
		status string // empty means no reply
	}{
		{"no frames", nil, ""},
		{"version only", [][]byte{[]byte("1.0")}, ""},
		{"empty id", [][]byte{[]byte("1.0"), {}}, ""},
		{"bad version", [][]byte{[]byte("2.0"), []byte("req-1")}, "400"},
		{"short", [][]byte{[]byte("1.0"), []byte("req-1"), []byte("d")}, "400"},
		{"plain without password", request("PLAIN", []byte("alice")), "400"},
		{"unknown mechanism", request("GSSAPI"), "400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.ServeZAP(context.Background(), tt.frames)
			if tt.status == "" {
				assert.Nil(t, reply)
				return
			}
			require.Len(t, reply, zap.ReplyFrameCount)
			assert.Equal(t, "req-1", string(reply[1]))
			assert.Equal(t, tt.status, string(reply[2]))
		})
	}

	assert.False(t, called)
}

func TestServeZAPUnencodableMetadata(t *testing.T) {
	s := &Server{Policy: PolicyFunc(func(context.Context, *zap.Request) Decision {
		d := Allow("alice")
		d.Metadata = map[string][]byte{"": []byte("x")}
		return d
	})}

	reply := s.ServeZAP(context.Background(), request("NULL"))
	require.Len(t, reply, zap.ReplyFrameCount)
	assert.Equal(t, "500", string(reply[2]))
}

func TestSplitEnvelope(t *testing.T) {
	msg := [][]byte{[]byte("route"), {}, []byte("1.0"), []byte("id")}

	env, body, ok := splitEnvelope(msg)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("route"), {}}, env)
	assert.Equal(t, [][]byte{[]byte("1.0"), []byte("id")}, body)

	// Appending the reply must not clobber the request.
	_ = append(env, []byte("reply"))
	assert.Equal(t, "1.0", string(msg[2]))

	_, _, ok = splitEnvelope([][]byte{[]byte("1.0"), []byte("id")})
	assert.False(t, ok)
}
