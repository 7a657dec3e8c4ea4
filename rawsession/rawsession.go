package rawsession

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hlandau/parazap/abstract"
)

// A FrameConn which sends and receives ZMTP/3 frames over a net.Conn.
//
// SendFrame may be called concurrently with ReceiveFrame. Concurrent senders
// are serialized per frame, not per message.
type RawSession struct {
	conn    net.Conn
	maxRead uint64
	version abstract.ZMTPVersion

	wmu    sync.Mutex
	closed atomic.Bool
}

// Creates a RawSession. The underlying connection must have already completed
// the greeting. maxRead bounds the size of a received frame; zero means no
// limit beyond what the peer actually sends.
func New(conn net.Conn, version abstract.ZMTPVersion, maxRead uint64) (rs *RawSession, err error) {
	if version < abstract.ZMTP3_0 || version > abstract.ZMTP3_1 {
		err = fmt.Errorf("unsupported version")
		return
	}

	rs = &RawSession{
		conn:    conn,
		version: version,
		maxRead: maxRead,
	}
	return
}

// Closes the underlying connection. Close does not wait for a blocked
// SendFrame; the pending write fails instead.
func (rs *RawSession) Close() error {
	if !rs.closed.CompareAndSwap(false, true) {
		return nil
	}

	return rs.conn.Close()
}

// The negotiated ZMTP version.
func (rs *RawSession) Version() abstract.ZMTPVersion {
	return rs.version
}

// The remote address of the underlying connection.
func (rs *RawSession) RemoteAddr() net.Addr {
	return rs.conn.RemoteAddr()
}

func (rs *RawSession) SendFrame(data []byte, flags abstract.ZMTPFlags) error {
	if !flags.SendValid() {
		return fmt.Errorf("invalid flags specified: %d", flags)
	}

	buf := make([]byte, 0, 9+len(data))
	if len(data) > 0xFF {
		buf = append(buf, byte(flags|abstract.ZF_Long))
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(data)))
	} else {
		buf = append(buf, byte(flags), byte(len(data)))
	}
	buf = append(buf, data...)

	rs.wmu.Lock()
	defer rs.wmu.Unlock()

	if rs.closed.Load() {
		return net.ErrClosed
	}

	_, err := rs.conn.Write(buf)
	return err
}

func (rs *RawSession) ReceiveFrame() (data []byte, flags abstract.ZMTPFlags, err error) {
	var hdr [9]byte

	_, err = io.ReadFull(rs.conn, hdr[0:2])
	if err != nil {
		return
	}

	flags = abstract.ZMTPFlags(hdr[0])
	if !flags.Valid() {
		err = fmt.Errorf("Received malformed frame.")
		return
	}

	var L uint64
	if (flags & abstract.ZF_Long) != 0 {
		_, err = io.ReadFull(rs.conn, hdr[2:9])
		if err != nil {
			return
		}

		L = binary.BigEndian.Uint64(hdr[1:])
	} else {
		L = uint64(hdr[1])
	}

	flags &^= abstract.ZF_Long

	if (rs.maxRead != 0 && L > rs.maxRead) || L > math.MaxInt {
		err = fmt.Errorf("Received frame in excess of the max read size.")
		return
	}

	data, err = readFrameBody(rs.conn, int(L))
	return
}

// Frames above this size are read in chunks, so memory is only committed as
// the peer actually sends data rather than on the length it claims.
const readChunkSize = 64 << 10

func readFrameBody(r io.Reader, n int) ([]byte, error) {
	if n <= readChunkSize {
		data := make([]byte, n)
		_, err := io.ReadFull(r, data)
		return data, err
	}

	data := make([]byte, 0, readChunkSize)
	for len(data) < n {
		chunk := min(n-len(data), readChunkSize)
		data = slices.Grow(data, chunk)
		m, err := io.ReadFull(r, data[len(data):len(data)+chunk])
		data = data[:len(data)+m]
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (rs *RawSession) RemoteMetadata() map[string]string {
	return nil
}
