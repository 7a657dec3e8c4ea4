package plainsession

import (
	"context"
	"fmt"

	"github.com/hlandau/parazap/abstract"
	"github.com/hlandau/parazap/metadata"
)

const Mechanism = "PLAIN"

type PlainSession struct {
	fc abstract.FrameConn

	cfg            PlainConfig
	remoteMetadata map[string]string
}

type PlainConfig struct {
	IsServer bool
	Metadata map[string]string

	// Client side.
	Username string
	Password string

	// Server side. Authenticator takes precedence over ServerValidateFunc; with
	// neither set every client is refused.
	Authenticator      abstract.Authenticator
	Peer               abstract.PeerInfo
	ServerValidateFunc func(username, password string) bool
}

// Status reason sent to a client refused by ServerValidateFunc.
type invalidCredentials struct{}

func (invalidCredentials) Error() string  { return "Invalid username or password." }
func (invalidCredentials) Reason() string { return "Invalid username or password." }

// Performs the PLAIN handshake over fc. Takes ownership of fc.
func New(ctx context.Context, fc abstract.FrameConn, cfg PlainConfig) (ps abstract.FrameConn, err error) {
	s := &PlainSession{
		fc:  fc,
		cfg: cfg,
	}

	if cfg.IsServer {
		err = s.handshakeAsServer(ctx)
	} else {
		err = s.handshakeAsClient()
	}
	if err != nil {
		return
	}

	ps = s
	return
}

// The credential frames PLAIN hands to an authenticator: username, password.
func Credentials(username, password string) [][]byte {
	return [][]byte{[]byte(username), []byte(password)}
}

func encodeHELLO(username, password string) ([]byte, error) {
	if len(username) > 0xFF || len(password) > 0xFF {
		return nil, fmt.Errorf("Username or password is too long.")
	}

	buf := make([]byte, 0, 2+len(username)+len(password))
	buf = append(buf, byte(len(username)))
	buf = append(buf, username...)
	buf = append(buf, byte(len(password)))
	buf = append(buf, password...)
	return buf, nil
}

func decodeHELLO(cmdData []byte) (username, password string, err error) {
	malformed := fmt.Errorf("Malformed HELLO command received from remote peer.")

	if len(cmdData) < 2 {
		err = malformed
		return
	}

	usernameLen := int(cmdData[0])
	if len(cmdData) < 2+usernameLen {
		err = malformed
		return
	}

	username = string(cmdData[1 : 1+usernameLen])
	passwordLen := int(cmdData[1+usernameLen])
	if len(cmdData) != 2+usernameLen+passwordLen {
		err = malformed
		return
	}

	password = string(cmdData[2+usernameLen:])
	return
}

func (s *PlainSession) handshakeAsServer(ctx context.Context) error {
	cmdName, cmdData, err := abstract.FCReceiveCommand(s.fc)
	if err != nil {
		return err
	}

	if err = abstract.ExpectCommand(cmdName, cmdData, "HELLO"); err != nil {
		return err
	}

	username, password, err := decodeHELLO(cmdData)
	if err != nil {
		return err
	}

	res, err := s.authenticate(ctx, username, password)
	if err != nil {
		return abstract.FCSendAuthError(s.fc, err)
	}

	err = abstract.FCSendCommand(s.fc, "WELCOME", nil)
	if err != nil {
		return err
	}

	// Wait for INITIATE
	err = s.handshakeAsServerFinal("INITIATE", "READY")
	if err != nil {
		return err
	}

	s.remoteMetadata = abstract.MergeAuthResult(s.remoteMetadata, res)
	return nil
}

func (s *PlainSession) authenticate(ctx context.Context, username, password string) (abstract.AuthResult, error) {
	if s.cfg.Authenticator != nil {
		peer := s.cfg.Peer.With(Mechanism, Credentials(username, password)...)

		var res abstract.AuthResult
		var err error
		s.fc, res, err = abstract.AuthenticateWatching(ctx, s.fc, s.cfg.Authenticator, peer)
		return res, err
	}

	if s.cfg.ServerValidateFunc != nil && s.cfg.ServerValidateFunc(username, password) {
		return abstract.AuthResult{UserID: username}, nil
	}

	return abstract.AuthResult{}, invalidCredentials{}
}

func (s *PlainSession) handshakeAsClient() error {
	buf, err := encodeHELLO(s.cfg.Username, s.cfg.Password)
	if err != nil {
		return err
	}

	err = abstract.FCSendCommand(s.fc, "HELLO", buf)
	if err != nil {
		return err
	}

	cmdName, cmdData, err := abstract.FCReceiveCommand(s.fc)
	if err != nil {
		return err
	}

	if err = abstract.ExpectCommand(cmdName, cmdData, "WELCOME"); err != nil {
		return err
	}

	// Now we send our metadata in INITIATE.
	return s.handshakeAsClientFinal("INITIATE", "READY")
}

func (s *PlainSession) handshakeAsClientFinal(outCmdName string, inCmdName string) error {
	err := abstract.FCSendCommand(s.fc, outCmdName, metadata.Serialize(s.cfg.Metadata))
	if err != nil {
		return err
	}

	return s.handshakeWaitForMetadata(inCmdName)
}

func (s *PlainSession) handshakeAsServerFinal(inCmdName, outCmdName string) error {
	err := s.handshakeWaitForMetadata(inCmdName)
	if err != nil {
		return err
	}

	return abstract.FCSendCommand(s.fc, outCmdName, metadata.Serialize(s.cfg.Metadata))
}

func (s *PlainSession) handshakeWaitForMetadata(inCmdName string) error {
	cmdName, cmdData, err := abstract.FCReceiveCommand(s.fc)
	if err != nil {
		return err
	}

	if err = abstract.ExpectCommand(cmdName, cmdData, inCmdName); err != nil {
		return err
	}

	s.remoteMetadata, err = metadata.Deserialize(cmdData)
	return err
}

func (s *PlainSession) Close() error {
	return s.fc.Close()
}

func (s *PlainSession) SendFrame(data []byte, flags abstract.ZMTPFlags) error {
	return s.fc.SendFrame(data, flags)
}

func (s *PlainSession) ReceiveFrame() ([]byte, abstract.ZMTPFlags, error) {
	return s.fc.ReceiveFrame()
}

func (s *PlainSession) RemoteMetadata() map[string]string {
	return s.remoteMetadata
}
