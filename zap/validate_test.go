package zap

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hlandau/parazap/abstract"
	"github.com/hlandau/parazap/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(t *testing.T, table *Table, route uint64) *Request {
	t.Helper()
	req, err := NewBuilder(table).Build(route, abstract.PeerInfo{
		Domain:    "global",
		Address:   "127.0.0.1",
		Mechanism: "NULL",
	})
	require.NoError(t, err)
	return req
}

func reply(id, status string) [][]byte {
	return [][]byte{[]byte(Version), []byte(id), []byte(status), []byte("OK"), []byte("anonymous"), nil}
}

func requireViolation(t *testing.T, err error, kind ViolationKind) {
	t.Helper()
	var v *Violation
	require.True(t, errors.As(err, &v), "expected violation, got %v", err)
	assert.Equal(t, kind, v.Kind)
}

func TestValidateAllow(t *testing.T) {
	table := NewTable()
	req := pending(t, table, 1)

	md, err := metadata.Encode(map[string][]byte{"Group": []byte("admin")})
	require.NoError(t, err)

	r := reply(req.RequestID, "200")
	r[5] = md

	v, err := Validate(table, 1, r)
	require.NoError(t, err)
	assert.True(t, v.Allowed())
	assert.Equal(t, req.RequestID, v.RequestID)
	assert.Equal(t, 200, v.StatusCode)
	assert.Equal(t, "OK", v.StatusText)
	assert.Equal(t, "anonymous", v.UserID)
	assert.Equal(t, []byte("admin"), v.Metadata["Group"])
	assert.Same(t, req, v.Entry.Request)
	assert.Zero(t, table.Len())

	_, err = Validate(table, 1, r)
	requireViolation(t, err, BadRequestID)
}

func TestValidateFrameCount(t *testing.T) {
	table := NewTable()
	req := pending(t, table, 1)

	for n := 0; n < 10; n++ {
		if n == ReplyFrameCount {
			continue
		}

		r := make([][]byte, n)
		copy(r, reply(req.RequestID, "200"))
		_, err := Validate(table, 1, r)
		requireViolation(t, err, MalformedFrameCount)
	}

	assert.Equal(t, 1, table.Len(), "violations must not resolve the request")
}

func TestValidateOrder(t *testing.T) {
	table := NewTable()
	req := pending(t, table, 1)

	// Bad version and bad status: version wins.
	r := reply(req.RequestID, "abc")
	r[0] = []byte("2.0")
	_, err := Validate(table, 1, r)
	requireViolation(t, err, BadVersion)

	// Bad id and bad status: id wins.
	_, err = Validate(table, 1, reply("not-an-id", "abc"))
	requireViolation(t, err, BadRequestID)

	// Bad status and bad metadata: status wins.
	r = reply(req.RequestID, "abc")
	r[5] = []byte{0xFF}
	_, err = Validate(table, 1, r)
	requireViolation(t, err, InvalidStatusCode)

	r = reply(req.RequestID, "200")
	r[5] = []byte{0xFF}
	_, err = Validate(table, 1, r)
	requireViolation(t, err, InvalidMetadata)
}

func TestValidateVersionIsExact(t *testing.T) {
	table := NewTable()
	req := pending(t, table, 1)

	for _, ver := range []string{"2.0", "1.0 ", "1", "", "1.00"} {
		r := reply(req.RequestID, "200")
		r[0] = []byte(ver)
		_, err := Validate(table, 1, r)
		requireViolation(t, err, BadVersion)
	}
}

func TestValidateStatusCode(t *testing.T) {
	table := NewTable()
	req := pending(t, table, 1)

	for _, s := range []string{"30", "abcd", "1000", "abc", "", " 20", "099", "600", "2O0", "-20"} {
		_, err := Validate(table, 1, reply(req.RequestID, s))
		requireViolation(t, err, InvalidStatusCode)
	}

	for _, s := range []string{"300", "400", "500", "100", "599"} {
		table := NewTable()
		req := pending(t, table, 1)
		v, err := Validate(table, 1, reply(req.RequestID, s))
		require.NoError(t, err, s)
		assert.False(t, v.Allowed())
	}
}

func TestValidateForeignRoute(t *testing.T) {
	table := NewTable()
	a := pending(t, table, 1)
	b := pending(t, table, 2)

	_, err := Validate(table, 1, reply(b.RequestID, "200"))
	requireViolation(t, err, BadRequestID)
	assert.Equal(t, 2, table.Len())

	_, err = Validate(table, 2, reply(b.RequestID, "200"))
	require.NoError(t, err)

	_, err = Validate(table, 1, reply(a.RequestID, "200"))
	require.NoError(t, err)
}

func TestValidateAfterRelease(t *testing.T) {
	table := NewTable()
	req := pending(t, table, 1)

	require.True(t, table.Release(req.RequestID))
	assert.False(t, table.Release(req.RequestID))

	_, err := Validate(table, 1, reply(req.RequestID, "200"))
	requireViolation(t, err, BadRequestID)
}

func TestResolutionIsExactlyOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		table := NewTable()
		req := pending(t, table, 1)

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for j := 0; j < 4; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				if _, err := Validate(table, 1, reply(req.RequestID, "200")); err == nil {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				<-start
				if table.Release(req.RequestID) {
					wins.Add(1)
				}
			}()
		}

		close(start)
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())
		require.Zero(t, table.Len())
	}
}

func TestViolationKindCodes(t *testing.T) {
	assert.Equal(t, 0x20000001, MalformedFrameCount.Code())
	assert.Equal(t, 0x20000002, BadRequestID.Code())
	assert.Equal(t, 0x20000003, BadVersion.Code())
	assert.Equal(t, 0x20000004, InvalidStatusCode.Code())
	assert.Equal(t, 0x20000005, InvalidMetadata.Code())
	assert.Equal(t, 0x20000000, ViolationKind(0).Code())

	assert.Equal(t, "PROTOCOL_ERROR_BAD_VERSION", BadVersion.String())
	assert.Equal(t, "PROTOCOL_ERROR_MALFORMED_REPLY", MalformedFrameCount.String())
	assert.Equal(t, "PROTOCOL_ERROR_UNSPECIFIED", ViolationKind(42).String())
}
