package rawsession

import (
	"bytes"
	"net"
	"testing"

	"github.com/hlandau/parazap/abstract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T, maxRead uint64) (*RawSession, *RawSession) {
	t.Helper()
	a, b := net.Pipe()

	ra, err := New(a, abstract.ZMTP3_0, maxRead)
	require.NoError(t, err)
	rb, err := New(b, abstract.ZMTP3_0, maxRead)
	require.NoError(t, err)

	t.Cleanup(func() {
		ra.Close()
		rb.Close()
	})
	return ra, rb
}

func TestShortAndLongFrames(t *testing.T) {
	ra, rb := pipe(t, 0)
	long := bytes.Repeat([]byte{'x'}, 300)

	go func() {
		ra.SendFrame([]byte("short"), abstract.ZF_More)
		ra.SendFrame(long, abstract.ZF_None)
	}()

	data, flags, err := rb.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
	assert.Equal(t, abstract.ZF_More, flags)

	data, flags, err = rb.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, long, data)
	assert.Equal(t, abstract.ZF_None, flags, "long flag must be stripped")
}

func TestMaxRead(t *testing.T) {
	ra, rb := pipe(t, 4)

	go ra.SendFrame([]byte("too long"), abstract.ZF_None)

	_, _, err := rb.ReceiveFrame()
	assert.Error(t, err)
}

func TestHugeLengthWithoutMaxRead(t *testing.T) {
	tests := []struct {
		name string
		hdr  []byte
	}{
		{"2^62", []byte{0x02, 0x40, 0, 0, 0, 0, 0, 0, 0}},
		{"beyond int", []byte{0x02, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			rb, err := New(b, abstract.ZMTP3_0, 0)
			require.NoError(t, err)
			t.Cleanup(func() { rb.Close() })

			go func() {
				a.Write(tt.hdr)
				a.Write([]byte("only a few bytes"))
				a.Close()
			}()

			_, _, err = rb.ReceiveFrame()
			assert.Error(t, err)
		})
	}
}

func TestFrameLargerThanReadChunk(t *testing.T) {
	ra, rb := pipe(t, 0)
	big := bytes.Repeat([]byte{'y'}, 3*readChunkSize+17)

	go ra.SendFrame(big, abstract.ZF_None)

	data, _, err := rb.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, big, data)
}

func TestSendRejectsInvalidFlags(t *testing.T) {
	ra, _ := pipe(t, 0)
	assert.Error(t, ra.SendFrame(nil, abstract.ZF_Command|abstract.ZF_More))
	assert.Error(t, ra.SendFrame(nil, abstract.ZF_Long))
}

func TestUnsupportedVersion(t *testing.T) {
	a, _ := net.Pipe()
	_, err := New(a, abstract.ZMTPVersion(0x0200), 0)
	assert.Error(t, err)
}
