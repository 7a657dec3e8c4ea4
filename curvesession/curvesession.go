// Package curvesession implements the CurveZMQ security mechanism over a
// FrameConn.
package curvesession

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hlandau/parazap/abstract"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const Mechanism = "CURVE"

type CurveSession struct {
	fc  abstract.FrameConn
	cfg CurveConfig

	//                                                 Known by
	//                                                    C  S
	clientPub          [32]byte // Client permanent public    *  *
	clientSec          [32]byte // Client permanent secret    *
	clientTransientPub [32]byte // Client transient public    *  *
	clientTransientSec [32]byte // Client transient secret    *
	serverPub          [32]byte // Server permanent public    *  *
	serverSec          [32]byte // Server permanent secret       *
	serverTransientPub [32]byte // Server transient public    *  *
	serverTransientSec [32]byte // Server transient secret       *

	sharedKey [32]byte // precomputed from the transient keys
	cookieKey [32]byte // server only, until INITIATE

	txMu    sync.Mutex
	txNonce uint64
	rxNonce uint64
	rxSeen  bool

	remoteMetadata map[string]string
}

type CurveConfig struct {
	IsServer bool              // determines which role is taken in the handshake
	Metadata map[string]string // metadata to send to the peer

	SecretKey [32]byte // own permanent secret key
	ServerKey [32]byte // server's permanent public key; client only

	// Server side only. The client's permanent public key is passed as the
	// single credential frame. Without an Authenticator any client holding
	// the server's public key is accepted.
	Authenticator abstract.Authenticator
	Peer          abstract.PeerInfo
}

// Derives the public key for a secret key.
func PublicKey(secret [32]byte) (pub [32]byte, err error) {
	b, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return
	}

	copy(pub[:], b)
	return
}

// Generates a permanent key pair.
func GenerateKeyPair() (pub, secret [32]byte, err error) {
	p, s, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return
	}

	return *p, *s, nil
}

// Performs the CurveZMQ handshake over fc.
//
// Takes ownership of the underlying FrameConn and closes it when the returned
// FrameConn is closed. Do not call methods on the underlying FrameConn after
// calling this.
func New(ctx context.Context, fc abstract.FrameConn, cfg CurveConfig) (cs abstract.FrameConn, err error) {
	s := &CurveSession{
		fc:  fc,
		cfg: cfg,
	}

	if isZero(cfg.SecretKey) {
		err = fmt.Errorf("CURVE secret key not specified.")
		return
	}

	pub, err := PublicKey(cfg.SecretKey)
	if err != nil {
		return
	}

	var start [8]byte
	if _, err = rand.Read(start[:]); err != nil {
		return
	}

	// Start the nonce counter at a random point with the MSB clear, leaving a
	// stream lifespan of 2^63 frames.
	s.txNonce = binary.BigEndian.Uint64(start[:]) & 0x7FFFFFFFFFFFFFFF

	if cfg.IsServer {
		s.serverSec, s.serverPub = cfg.SecretKey, pub
		err = s.handshakeAsServer(ctx)
	} else {
		s.clientSec, s.clientPub = cfg.SecretKey, pub
		s.serverPub = cfg.ServerKey
		err = s.handshakeAsClient()
	}
	if err != nil {
		s.wipe()
		return
	}

	s.cookieKey = [32]byte{}
	s.clientTransientSec = [32]byte{}
	s.serverTransientSec = [32]byte{}
	cs = s
	return
}

func isZero(k [32]byte) bool {
	return k == [32]byte{}
}

func (s *CurveSession) handshakeAsServer(ctx context.Context) error {
	St, st, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	s.serverTransientPub, s.serverTransientSec = *St, *st

	cmdName, cmdData, err := abstract.FCReceiveCommand(s.fc)
	if err != nil {
		return err
	}

	if err = abstract.ExpectCommand(cmdName, cmdData, "HELLO"); err != nil {
		return err
	}

	if err = s.decodeHELLO(cmdData); err != nil {
		return err
	}

	welcome, err := s.encodeWELCOME()
	if err != nil {
		return err
	}

	if err = abstract.FCSendCommand(s.fc, "WELCOME", welcome); err != nil {
		return err
	}

	cmdName, cmdData, err = abstract.FCReceiveCommand(s.fc)
	if err != nil {
		return err
	}

	if err = abstract.ExpectCommand(cmdName, cmdData, "INITIATE"); err != nil {
		return err
	}

	if err = s.decodeINITIATE(cmdData); err != nil {
		return err
	}

	res, err := s.authenticate(ctx)
	if err != nil {
		return abstract.FCSendAuthError(s.fc, err)
	}

	s.remoteMetadata = abstract.MergeAuthResult(s.remoteMetadata, res)

	box.Precompute(&s.sharedKey, &s.clientTransientPub, &s.serverTransientSec)
	return abstract.FCSendCommand(s.fc, "READY", s.encodeREADY())
}

func (s *CurveSession) authenticate(ctx context.Context) (abstract.AuthResult, error) {
	if s.cfg.Authenticator == nil {
		return abstract.AuthResult{}, nil
	}

	key := make([]byte, 32)
	copy(key, s.clientPub[:])

	var res abstract.AuthResult
	var err error
	s.fc, res, err = abstract.AuthenticateWatching(ctx, s.fc, s.cfg.Authenticator, s.cfg.Peer.With(Mechanism, key))
	return res, err
}

func (s *CurveSession) handshakeAsClient() error {
	if isZero(s.serverPub) {
		return fmt.Errorf("Server public key not specified.")
	}

	Ct, ct, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	s.clientTransientPub, s.clientTransientSec = *Ct, *ct

	if err = abstract.FCSendCommand(s.fc, "HELLO", s.encodeHELLO()); err != nil {
		return err
	}

	cmdName, cmdData, err := abstract.FCReceiveCommand(s.fc)
	if err != nil {
		return err
	}

	if err = abstract.ExpectCommand(cmdName, cmdData, "WELCOME"); err != nil {
		return err
	}

	cookie, err := s.decodeWELCOME(cmdData)
	if err != nil {
		return err
	}

	initiate, err := s.encodeINITIATE(cookie)
	if err != nil {
		return err
	}

	if err = abstract.FCSendCommand(s.fc, "INITIATE", initiate); err != nil {
		return err
	}

	cmdName, cmdData, err = abstract.FCReceiveCommand(s.fc)
	if err != nil {
		return err
	}

	if err = abstract.ExpectCommand(cmdName, cmdData, "READY"); err != nil {
		return err
	}

	box.Precompute(&s.sharedKey, &s.serverTransientPub, &s.clientTransientSec)
	return s.decodeREADY(cmdData)
}

// Get the metadata sent by the remote party, if any.
func (s *CurveSession) RemoteMetadata() map[string]string {
	return s.remoteMetadata
}

func (s *CurveSession) wipe() {
	s.clientSec = [32]byte{}
	s.clientTransientSec = [32]byte{}
	s.serverSec = [32]byte{}
	s.serverTransientSec = [32]byte{}
	s.sharedKey = [32]byte{}
	s.cookieKey = [32]byte{}
}

func (s *CurveSession) Close() error {
	s.txMu.Lock()
	s.wipe()
	s.txMu.Unlock()

	return s.fc.Close()
}

func (s *CurveSession) messagePrefixes() (tx, rx string) {
	if s.cfg.IsServer {
		return prefixMessageS, prefixMessageC
	}
	return prefixMessageC, prefixMessageS
}

func (s *CurveSession) SendFrame(data []byte, flags abstract.ZMTPFlags) error {
	if (flags & abstract.ZF_Command) != 0 {
		return s.fc.SendFrame(data, flags)
	}

	plain := make([]byte, 1+len(data))
	plain[0] = byte(flags & abstract.ZF_More)
	copy(plain[1:], data)

	txPrefix, _ := s.messagePrefixes()

	s.txMu.Lock()
	if s.txNonce == 0xFFFFFFFFFFFFFFFF {
		s.txMu.Unlock()
		return fmt.Errorf("CurveZMQ nonce counter exhausted.")
	}

	nonce := s.nextTxNonce(txPrefix)
	buf := make([]byte, 0, len(messagePrefix)+8+box.Overhead+len(plain))
	buf = append(buf, messagePrefix...)
	buf = append(buf, nonce[16:]...)
	buf = box.SealAfterPrecomputation(buf, plain, &nonce, &s.sharedKey)

	// libzmq sends MESSAGE without the command flag; the frame order must
	// match the nonce order.
	err := s.fc.SendFrame(buf, abstract.ZF_None)
	s.txMu.Unlock()
	return err
}

func (s *CurveSession) ReceiveFrame() (data []byte, flags abstract.ZMTPFlags, err error) {
	cdata, cflags, err := s.fc.ReceiveFrame()
	if err != nil {
		return
	}

	if !bytes.HasPrefix(cdata, messagePrefix) {
		if (cflags & abstract.ZF_Command) != 0 {
			// Other commands, such as ERROR, pass through unauthenticated.
			return cdata, cflags, nil
		}

		err = fmt.Errorf("Received unencrypted data frame while CurveZMQ is engaged.")
		return
	}

	body := cdata[len(messagePrefix):]
	if len(body) < messageMinSize {
		err = fmt.Errorf("Received malformed MESSAGE command.")
		return
	}

	if err = s.checkRxNonce(body[:8]); err != nil {
		return
	}

	_, rxPrefix := s.messagePrefixes()
	nonce := shortNonceFrom(rxPrefix, body[:8])
	out, ok := box.OpenAfterPrecomputation(nil, body[8:], &nonce, &s.sharedKey)
	if !ok {
		err = fmt.Errorf("Decryption of received MESSAGE command failed.")
		return
	}

	flags = abstract.ZMTPFlags(out[0]) & abstract.ZF_More
	data = out[1:]
	return
}
