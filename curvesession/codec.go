package curvesession

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/hlandau/parazap/metadata"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce prefixes. Short nonces carry an 8-byte counter after a 16-byte
// prefix, long nonces 16 random bytes after an 8-byte prefix.
const (
	prefixHello    = "CurveZMQHELLO---"
	prefixInitiate = "CurveZMQINITIATE"
	prefixReady    = "CurveZMQREADY---"
	prefixMessageC = "CurveZMQMESSAGEC"
	prefixMessageS = "CurveZMQMESSAGES"

	prefixWelcome = "WELCOME-"
	prefixCookie  = "COOKIE--"
	prefixVouch   = "VOUCH---"
)

// Command body sizes.
const (
	helloSize       = 194
	welcomeSize     = 160
	cookieSize      = 96
	vouchSize       = 96
	initiateMinSize = 248
	readyMinSize    = 8 + box.Overhead
	messageMinSize  = 8 + box.Overhead + 1
)

var messagePrefix = []byte("\x07MESSAGE")

func shortNonce(prefix string, counter uint64) (n [24]byte) {
	copy(n[:16], prefix)
	binary.BigEndian.PutUint64(n[16:], counter)
	return
}

func shortNonceFrom(prefix string, b []byte) (n [24]byte) {
	copy(n[:16], prefix)
	copy(n[16:], b[:8])
	return
}

func longNonce(prefix string) (n [24]byte, err error) {
	copy(n[:8], prefix)
	_, err = rand.Read(n[8:])
	return
}

func longNonceFrom(prefix string, b []byte) (n [24]byte) {
	copy(n[:8], prefix)
	copy(n[8:], b[:16])
	return
}

func (s *CurveSession) nextTxNonce(prefix string) [24]byte {
	s.txNonce++
	return shortNonce(prefix, s.txNonce)
}

// Short nonces received from the peer must strictly increase.
func (s *CurveSession) checkRxNonce(b []byte) error {
	n := binary.BigEndian.Uint64(b[:8])
	if n <= s.rxNonce && s.rxSeen {
		return fmt.Errorf("Received CurveZMQ nonce out of sequence.")
	}
	s.rxNonce = n
	s.rxSeen = true
	return nil
}

// HELLO: version, padding, C', short nonce, Box[64 zeroes](C'->S).
func (s *CurveSession) encodeHELLO() []byte {
	nonce := s.nextTxNonce(prefixHello)

	buf := make([]byte, 114, helloSize)
	buf[0] = 1
	buf[1] = 0
	copy(buf[74:106], s.clientTransientPub[:])
	copy(buf[106:114], nonce[16:])

	var zero [64]byte
	return box.Seal(buf, zero[:], &nonce, &s.serverPub, &s.clientTransientSec)
}

func (s *CurveSession) decodeHELLO(buf []byte) error {
	if len(buf) != helloSize {
		return fmt.Errorf("Malformed HELLO command.")
	}

	if buf[0] != 1 {
		return fmt.Errorf("Unsupported CurveZMQ version: %d.%d", buf[0], buf[1])
	}

	copy(s.clientTransientPub[:], buf[74:106])
	if err := s.checkRxNonce(buf[106:114]); err != nil {
		return err
	}

	nonce := shortNonceFrom(prefixHello, buf[106:114])
	out, ok := box.Open(nil, buf[114:], &nonce, &s.clientTransientPub, &s.serverSec)
	if !ok {
		return fmt.Errorf("Malformed box in HELLO command.")
	}

	var zero [64]byte
	if subtle.ConstantTimeCompare(out, zero[:]) != 1 {
		return fmt.Errorf("Nonzero box contents in HELLO command.")
	}

	return nil
}

// WELCOME: long nonce, Box[S' + cookie](S->C').
func (s *CurveSession) encodeWELCOME() ([]byte, error) {
	cookie, err := s.encodeCookie()
	if err != nil {
		return nil, err
	}

	nonce, err := longNonce(prefixWelcome)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, 0, 32+cookieSize)
	plain = append(plain, s.serverTransientPub[:]...)
	plain = append(plain, cookie...)

	buf := make([]byte, 16, welcomeSize)
	copy(buf, nonce[8:])
	return box.Seal(buf, plain, &nonce, &s.clientTransientPub, &s.serverSec), nil
}

func (s *CurveSession) decodeWELCOME(buf []byte) (cookie []byte, err error) {
	if len(buf) != welcomeSize {
		err = fmt.Errorf("Malformed WELCOME command.")
		return
	}

	nonce := longNonceFrom(prefixWelcome, buf[:16])
	plain, ok := box.Open(nil, buf[16:], &nonce, &s.serverPub, &s.clientTransientSec)
	if !ok {
		err = fmt.Errorf("Opening of WELCOME box failed.")
		return
	}

	copy(s.serverTransientPub[:], plain[:32])
	cookie = plain[32:]
	return
}

// Cookie: long nonce, SecretBox[C' + s'](K). K lives only until INITIATE.
func (s *CurveSession) encodeCookie() ([]byte, error) {
	if _, err := rand.Read(s.cookieKey[:]); err != nil {
		return nil, err
	}

	nonce, err := longNonce(prefixCookie)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, 0, 64)
	plain = append(plain, s.clientTransientPub[:]...)
	plain = append(plain, s.serverTransientSec[:]...)

	buf := make([]byte, 16, cookieSize)
	copy(buf, nonce[8:])
	return secretbox.Seal(buf, plain, &nonce, &s.cookieKey), nil
}

func (s *CurveSession) verifyCookie(cookie []byte) error {
	defer func() { s.cookieKey = [32]byte{} }()

	nonce := longNonceFrom(prefixCookie, cookie[:16])
	plain, ok := secretbox.Open(nil, cookie[16:], &nonce, &s.cookieKey)
	if !ok {
		return fmt.Errorf("Bad cookie in INITIATE command.")
	}

	want := make([]byte, 0, 64)
	want = append(want, s.clientTransientPub[:]...)
	want = append(want, s.serverTransientSec[:]...)
	if subtle.ConstantTimeCompare(plain, want) != 1 {
		return fmt.Errorf("Bad cookie contents in INITIATE command.")
	}

	return nil
}

// INITIATE: cookie, short nonce, Box[C + vouch + metadata](C'->S').
func (s *CurveSession) encodeINITIATE(cookie []byte) ([]byte, error) {
	if len(cookie) != cookieSize {
		return nil, fmt.Errorf("Invalid cookie received in WELCOME command.")
	}

	vouch, err := s.encodeVouch()
	if err != nil {
		return nil, err
	}

	md := metadata.Serialize(s.cfg.Metadata)
	plain := make([]byte, 0, 32+vouchSize+len(md))
	plain = append(plain, s.clientPub[:]...)
	plain = append(plain, vouch...)
	plain = append(plain, md...)

	nonce := s.nextTxNonce(prefixInitiate)
	buf := make([]byte, 0, initiateMinSize+len(md))
	buf = append(buf, cookie...)
	buf = append(buf, nonce[16:]...)
	return box.Seal(buf, plain, &nonce, &s.serverTransientPub, &s.clientTransientSec), nil
}

func (s *CurveSession) decodeINITIATE(buf []byte) error {
	if len(buf) < initiateMinSize {
		return fmt.Errorf("Malformed INITIATE command.")
	}

	if err := s.verifyCookie(buf[:cookieSize]); err != nil {
		return err
	}

	if err := s.checkRxNonce(buf[96:104]); err != nil {
		return err
	}

	nonce := shortNonceFrom(prefixInitiate, buf[96:104])
	plain, ok := box.Open(nil, buf[104:], &nonce, &s.clientTransientPub, &s.serverTransientSec)
	if !ok {
		return fmt.Errorf("Malformed INITIATE box.")
	}

	copy(s.clientPub[:], plain[:32])
	if err := s.decodeVouch(plain[32 : 32+vouchSize]); err != nil {
		return err
	}

	md, err := metadata.Deserialize(plain[32+vouchSize:])
	if err != nil {
		return err
	}

	s.remoteMetadata = md
	return nil
}

// Vouch: long nonce, Box[C' + S](C->S').
func (s *CurveSession) encodeVouch() ([]byte, error) {
	nonce, err := longNonce(prefixVouch)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, 0, 64)
	plain = append(plain, s.clientTransientPub[:]...)
	plain = append(plain, s.serverPub[:]...)

	buf := make([]byte, 16, vouchSize)
	copy(buf, nonce[8:])
	return box.Seal(buf, plain, &nonce, &s.serverTransientPub, &s.clientSec), nil
}

func (s *CurveSession) decodeVouch(vouch []byte) error {
	nonce := longNonceFrom(prefixVouch, vouch[:16])
	plain, ok := box.Open(nil, vouch[16:], &nonce, &s.clientPub, &s.serverTransientSec)
	if !ok {
		return fmt.Errorf("Malformed vouch box.")
	}

	want := make([]byte, 0, 64)
	want = append(want, s.clientTransientPub[:]...)
	want = append(want, s.serverPub[:]...)
	if subtle.ConstantTimeCompare(plain, want) != 1 {
		return fmt.Errorf("Vouch box contains wrong keys.")
	}

	return nil
}

// READY: short nonce, Box[metadata](S'->C').
func (s *CurveSession) encodeREADY() []byte {
	nonce := s.nextTxNonce(prefixReady)

	buf := make([]byte, 8)
	copy(buf, nonce[16:])
	return box.SealAfterPrecomputation(buf, metadata.Serialize(s.cfg.Metadata), &nonce, &s.sharedKey)
}

func (s *CurveSession) decodeREADY(buf []byte) error {
	if len(buf) < readyMinSize {
		return fmt.Errorf("Malformed READY command.")
	}

	if err := s.checkRxNonce(buf[:8]); err != nil {
		return err
	}

	nonce := shortNonceFrom(prefixReady, buf[:8])
	plain, ok := box.OpenAfterPrecomputation(nil, buf[8:], &nonce, &s.sharedKey)
	if !ok {
		return fmt.Errorf("Failed to open READY box.")
	}

	md, err := metadata.Deserialize(plain)
	if err != nil {
		return err
	}

	s.remoteMetadata = md
	return nil
}
