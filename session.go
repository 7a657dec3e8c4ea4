// Package parazap establishes ZMTP/3 sessions whose server-side security
// handshakes can be gated on a ZAP authenticator.
package parazap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hlandau/parazap/abstract"
	"github.com/hlandau/parazap/curvesession"
	"github.com/hlandau/parazap/internal/logger"
	"github.com/hlandau/parazap/nullsession"
	"github.com/hlandau/parazap/plainsession"
	"github.com/hlandau/parazap/rawsession"
)

const greetingSize = 64

// DefaultMaxRead is the frame size limit used when SessionConfig.MaxRead is
// zero.
const DefaultMaxRead = 1 << 20

type SessionConfig struct {
	SocketType string // announced as Socket-Type and checked against the peer's
	Mechanism  string // "NULL", "PLAIN" or "CURVE"
	IsServer   bool   // takes the server role in the security handshake
	Identity   string // announced as Identity; also the ZAP identity frame

	PlainUsername string
	PlainPassword string
	// Consulted by PLAIN servers without an Authenticator.
	PlainServerValidateFunc func(username, password string) bool

	CurveSecretKey [32]byte
	CurveServerKey [32]byte // client only

	// Server side. When set, every handshake is held until it allows the
	// peer; a gate.Authenticator makes this a ZAP round trip.
	Authenticator abstract.Authenticator
	ZAPDomain     string

	// Largest frame accepted from the peer; zero means DefaultMaxRead.
	MaxRead uint64

	Dialer net.Dialer
}

type Session interface {
	Close() error
	Write(msg [][]byte) error
	Read() (msg [][]byte, err error)

	// Properties the peer sent during the handshake, plus User-Id and any
	// metadata supplied by the authenticator.
	RemoteMetadata() map[string]string
	RemoteAddr() net.Addr
}

type session struct {
	fc     abstract.FrameConn
	rs     *rawsession.RawSession
	conn   net.Conn
	cfg    SessionConfig
	closed atomic.Bool

	remoteIsServer bool
}

// Connect to an URL of the form tcp://host:port and establish a ZMTP
// session. ctx bounds the dial and the handshake.
func Connect(ctx context.Context, URL string, cfg SessionConfig) (Session, error) {
	addr, err := parseEndpoint(URL)
	if err != nil {
		return nil, err
	}

	c, err := cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return New(ctx, c, cfg)
}

// Create a ZMTP session on an existing connection. The session takes
// ownership of c; it is closed if the handshake fails. ctx bounds the
// greeting and the security handshake, including any wait for the
// authenticator.
func New(ctx context.Context, c net.Conn, cfg SessionConfig) (Session, error) {
	if err := cfg.check(); err != nil {
		c.Close()
		return nil, err
	}

	s := &session{
		conn: c,
		cfg:  cfg,
	}

	stop := watchContext(ctx, c)
	err := s.establish(ctx)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if s.fc != nil {
			s.fc.Close()
		} else {
			c.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		logger.DebugCtx(ctx, "ZMTP handshake failed",
			logger.KeyAddress, remoteAddrString(c),
			logger.KeyMechanism, cfg.Mechanism,
			logger.KeyError, err)
		return nil, err
	}

	logger.DebugCtx(ctx, "ZMTP session established",
		logger.KeyAddress, remoteAddrString(c),
		logger.KeyMechanism, cfg.Mechanism,
		logger.KeyUserID, s.fc.RemoteMetadata()["User-Id"])
	return s, nil
}

func (cfg *SessionConfig) check() error {
	if !validSocketType(cfg.SocketType) {
		return fmt.Errorf("invalid socket type: %q", cfg.SocketType)
	}

	switch cfg.Mechanism {
	case nullsession.Mechanism, plainsession.Mechanism, curvesession.Mechanism:
		return nil
	default:
		return fmt.Errorf("invalid mechanism: %q", cfg.Mechanism)
	}
}

// Interrupts I/O on c once ctx is done. The returned stop function reports
// false if ctx fired in the meantime.
func watchContext(ctx context.Context, c net.Conn) (stop func() bool) {
	cancelWatch := context.AfterFunc(ctx, func() {
		c.SetDeadline(time.Unix(1, 0))
	})

	return func() bool {
		if !cancelWatch() && ctx.Err() != nil {
			return false
		}
		c.SetDeadline(time.Time{})
		return true
	}
}

func (s *session) establish(ctx context.Context) error {
	if err := s.greeting(); err != nil {
		return err
	}

	maxRead := s.cfg.MaxRead
	if maxRead == 0 {
		maxRead = DefaultMaxRead
	}

	rs, err := rawsession.New(s.conn, abstract.ZMTP3_0, maxRead)
	if err != nil {
		return err
	}
	s.rs = rs

	fc, err := s.handshake(ctx)
	if err != nil {
		// The mechanism owns rs once it has been handed over.
		rs.Close()
		return err
	}
	s.fc = fc

	return checkRemoteMetadata(s.cfg.SocketType, fc.RemoteMetadata())
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.fc.Close()
}

func (s *session) Write(msg [][]byte) error {
	return abstract.FCSendMessage(s.fc, msg)
}

func (s *session) Read() ([][]byte, error) {
	return abstract.FCReceiveMessage(s.fc, s.processIncomingCommand)
}

func (s *session) RemoteMetadata() map[string]string {
	return s.fc.RemoteMetadata()
}

func (s *session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *session) greeting() error {
	err := s.sendGreeting()
	if err != nil {
		return err
	}

	return s.receiveGreeting()
}

func (s *session) sendGreeting() error {
	asServer := byte(0)
	if s.cfg.IsServer {
		asServer = 1
	}

	greeting := make([]byte, greetingSize)
	greeting[0] = 0xFF
	greeting[9] = 0x7F
	greeting[10] = 0x03
	greeting[11] = 0x00
	copy(greeting[12:32], s.cfg.Mechanism)
	greeting[32] = asServer
	// rest of greeting is all zeroes

	_, err := s.conn.Write(greeting)
	return err
}

func (s *session) receiveGreeting() error {
	greeting := make([]byte, greetingSize)

	_, err := io.ReadFull(s.conn, greeting)
	if err != nil {
		return err
	}

	if greeting[0] != 0xFF || greeting[9] != 0x7F || greeting[10] < 0x03 {
		return fmt.Errorf("Received malformed greeting.")
	}

	s.remoteIsServer = (greeting[32] & 1) != 0
	remoteMechanism := strings.TrimRight(string(greeting[12:32]), "\x00")

	if remoteMechanism != s.cfg.Mechanism {
		return fmt.Errorf("Remote peer specified different mechanism: %s", remoteMechanism)
	}

	if s.cfg.Mechanism != nullsession.Mechanism && s.remoteIsServer == s.cfg.IsServer {
		return fmt.Errorf("Both peers claim the same %s role.", s.cfg.Mechanism)
	}

	return nil
}

func (s *session) handshake(ctx context.Context) (abstract.FrameConn, error) {
	switch s.cfg.Mechanism {
	case nullsession.Mechanism:
		return nullsession.New(ctx, s.rs, nullsession.NullConfig{
			IsServer:      s.cfg.IsServer,
			Metadata:      s.outgoingMetadata(),
			Authenticator: s.cfg.Authenticator,
			Peer:          s.peerInfo(),
		})

	case plainsession.Mechanism:
		return plainsession.New(ctx, s.rs, plainsession.PlainConfig{
			IsServer:           s.cfg.IsServer,
			Metadata:           s.outgoingMetadata(),
			Username:           s.cfg.PlainUsername,
			Password:           s.cfg.PlainPassword,
			ServerValidateFunc: s.cfg.PlainServerValidateFunc,
			Authenticator:      s.cfg.Authenticator,
			Peer:               s.peerInfo(),
		})

	case curvesession.Mechanism:
		return curvesession.New(ctx, s.rs, curvesession.CurveConfig{
			IsServer:      s.cfg.IsServer,
			Metadata:      s.outgoingMetadata(),
			SecretKey:     s.cfg.CurveSecretKey,
			ServerKey:     s.cfg.CurveServerKey,
			Authenticator: s.cfg.Authenticator,
			Peer:          s.peerInfo(),
		})

	default:
		return nil, fmt.Errorf("Unsupported mechanism: %s", s.cfg.Mechanism)
	}
}

// The ZAP view of this connection, without mechanism and credentials.
func (s *session) peerInfo() abstract.PeerInfo {
	p := abstract.PeerInfo{
		Domain:  s.cfg.ZAPDomain,
		Address: remoteAddrString(s.conn),
	}
	if s.cfg.Identity != "" {
		p.Identity = []byte(s.cfg.Identity)
	}
	return p
}

func (s *session) outgoingMetadata() map[string]string {
	md := map[string]string{
		"Socket-Type": s.cfg.SocketType,
	}

	if s.cfg.Identity != "" {
		md["Identity"] = s.cfg.Identity
	}

	return md
}

func (s *session) processIncomingCommand(data []byte) error {
	cmdName, cmdData, err := abstract.DeserializeCommand(data)
	if err != nil {
		return err
	}

	switch cmdName {
	case "PING":
		return s.processIncomingPing(cmdData)
	case "PONG":
		// Any traffic keeps the session alive; the context is not checked.
		return nil
	case "ERROR":
		return &abstract.RemoteError{Reason: abstract.DeserializeError(cmdData)}
	default:
		return fmt.Errorf("Received unexpected command: %q", cmdName)
	}
}

func (s *session) processIncomingPing(cmdData []byte) error {
	if len(cmdData) < 2 {
		return fmt.Errorf("received malformed PING command")
	}

	return abstract.FCSendCommand(s.fc, "PONG", cmdData[2:])
}

// The host part of the peer's address, as carried in ZAP requests.
func remoteAddrString(c net.Conn) string {
	addr := c.RemoteAddr()
	if addr == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Turns tcp://host:port into a dial or listen address; a host of "*" means
// all interfaces.
func parseEndpoint(URL string) (string, error) {
	u, err := url.Parse(URL)
	if err != nil {
		return "", err
	}

	if u.Scheme != "tcp" {
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("missing address in endpoint %q", URL)
	}

	if strings.HasPrefix(u.Host, "*:") {
		return u.Host[1:], nil
	}
	return u.Host, nil
}
