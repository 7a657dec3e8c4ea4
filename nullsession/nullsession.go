package nullsession

import (
	"context"

	"github.com/hlandau/parazap/abstract"
	"github.com/hlandau/parazap/metadata"
)

const Mechanism = "NULL"

type NullSession struct {
	fc abstract.FrameConn

	cfg            NullConfig
	remoteMetadata map[string]string
}

type NullConfig struct {
	IsServer bool
	Metadata map[string]string

	// Server side only. When set, the client's READY is held until the
	// authenticator has allowed the peer. NULL supplies no credential frames.
	Authenticator abstract.Authenticator
	Peer          abstract.PeerInfo
}

// Performs the NULL handshake over fc and returns a FrameConn for the
// established session. Takes ownership of fc.
func New(ctx context.Context, fc abstract.FrameConn, cfg NullConfig) (ns abstract.FrameConn, err error) {
	s := &NullSession{
		fc:  fc,
		cfg: cfg,
	}

	if cfg.IsServer && cfg.Authenticator != nil {
		err = s.handshakeAuthenticated(ctx)
	} else {
		err = s.handshake()
	}
	if err != nil {
		return
	}

	ns = s
	return
}

func (s *NullSession) handshake() error {
	err := abstract.FCSendCommand(s.fc, "READY", metadata.Serialize(s.cfg.Metadata))
	if err != nil {
		return err
	}

	return s.handshakeWaitForMetadata("READY")
}

// The server waits for the client's READY, consults the authenticator and
// only then answers with READY or ERROR.
func (s *NullSession) handshakeAuthenticated(ctx context.Context) error {
	err := s.handshakeWaitForMetadata("READY")
	if err != nil {
		return err
	}

	var res abstract.AuthResult
	s.fc, res, err = abstract.AuthenticateWatching(ctx, s.fc, s.cfg.Authenticator, s.cfg.Peer.With(Mechanism))
	if err != nil {
		return abstract.FCSendAuthError(s.fc, err)
	}

	s.remoteMetadata = abstract.MergeAuthResult(s.remoteMetadata, res)

	return abstract.FCSendCommand(s.fc, "READY", metadata.Serialize(s.cfg.Metadata))
}

func (s *NullSession) handshakeWaitForMetadata(inCmdName string) error {
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

func (s *NullSession) Close() error {
	return s.fc.Close()
}

func (s *NullSession) SendFrame(data []byte, flags abstract.ZMTPFlags) error {
	return s.fc.SendFrame(data, flags)
}

func (s *NullSession) ReceiveFrame() ([]byte, abstract.ZMTPFlags, error) {
	return s.fc.ReceiveFrame()
}

func (s *NullSession) RemoteMetadata() map[string]string {
	return s.remoteMetadata
}
