// Package abstract defines the frame-level interfaces shared by the ZMTP
// transport layers and the security mechanisms layered on top of them.
package abstract

import (
	"errors"
	"fmt"
)

// Version

type ZMTPVersion uint

const (
	ZMTP3_0 ZMTPVersion = 0x0300
	ZMTP3_1 ZMTPVersion = 0x0301
)

// Flags used by the ZMTP framing protocol.
type ZMTPFlags byte

const (
	ZF_None    ZMTPFlags = 0
	ZF_More    ZMTPFlags = 1 << 0 // Set if the frame is not the last frame in the message.
	ZF_Long    ZMTPFlags = 1 << 1 // Wire-level only; never seen above rawsession.
	ZF_Command ZMTPFlags = 1 << 2 // Set if the frame is a command.
)

// Are the flags valid?
func (flags ZMTPFlags) Valid() bool {
	if flags&^(ZF_More|ZF_Long|ZF_Command) != 0 {
		return false
	}

	if (flags & ZF_Command) != 0 {
		return (flags & ZF_More) == 0
	}

	return true
}

// Are the flags valid for an outgoing frame?
func (flags ZMTPFlags) SendValid() bool {
	return flags.Valid() && (flags&ZF_Long) == 0
}

// An ordered bidirectional reliable frame stream. A frame is a sequence of
// zero or more bytes plus the two metadata bits 'More' and 'Command'.
type FrameConn interface {
	// Closes the FrameConn. If this FrameConn has an underlying FrameConn,
	// it shall be considered to own that FrameConn and so will close it as well.
	Close() error

	// Send a ZMTP frame across the connection.
	SendFrame(data []byte, flags ZMTPFlags) error

	// Receive a ZMTP frame from the connection.
	ReceiveFrame() ([]byte, ZMTPFlags, error)

	// Gets the remote metadata, if any.
	RemoteMetadata() map[string]string
}

// ErrEmptyMessage is returned when asked to send a message with no frames.
var ErrEmptyMessage = errors.New("message must contain at least one frame")

// Message Helpers

// Sends a non-command message. Every frame but the last carries the More
// flag.
func FCSendMessage(fc FrameConn, msg [][]byte) error {
	if len(msg) == 0 {
		return ErrEmptyMessage
	}

	for i := range msg {
		f := ZF_None
		if i < len(msg)-1 {
			f |= ZF_More
		}

		if err := fc.SendFrame(msg[i], f); err != nil {
			return err
		}
	}
	return nil
}

// Receives one complete non-command message. Command frames arriving between
// messages are handed to onCommand; if onCommand is nil they are an error.
// A command frame in the middle of a multipart message is always an error.
func FCReceiveMessage(fc FrameConn, onCommand func(cmd []byte) error) (msg [][]byte, err error) {
	for {
		var data []byte
		var flags ZMTPFlags
		data, flags, err = fc.ReceiveFrame()
		if err != nil {
			return nil, err
		}

		if (flags & ZF_Command) != 0 {
			if len(msg) != 0 {
				return nil, fmt.Errorf("Received command frame inside a multipart message.")
			}
			if onCommand == nil {
				return nil, fmt.Errorf("Received unexpected command frame.")
			}
			if err = onCommand(data); err != nil {
				return nil, err
			}
			continue
		}

		msg = append(msg, data)
		if (flags & ZF_More) == 0 {
			return msg, nil
		}
	}
}

// Command Helpers

// Sends a command message. A command message is a single frame with the
// command bit set, with the frame data being the serialization of the tuple
// (cmdName, cmdData) as defined in the ZMTP specification.
func FCSendCommand(fc FrameConn, cmdName string, cmdData []byte) error {
	buf, err := SerializeCommand(cmdName, cmdData)
	if err != nil {
		return err
	}

	return fc.SendFrame(buf, ZF_Command)
}

// Sends an ERROR command. Reasons longer than 255 bytes are truncated, since
// the reason is length-prefixed by a single octet.
func FCSendErrorCommand(fc FrameConn, reason string) error {
	if len(reason) > 0xFF {
		reason = reason[:0xFF]
	}

	buf := make([]byte, 1+len(reason))
	buf[0] = byte(len(reason))
	copy(buf[1:], reason)
	return FCSendCommand(fc, "ERROR", buf)
}

// Receives a command message from a FrameConn. If the next frame is not a
// command, an error occurs.
func FCReceiveCommand(fc FrameConn) (cmdName string, cmdData []byte, err error) {
	d, flags, err := fc.ReceiveFrame()
	if err != nil {
		return
	}

	if (flags & ZF_Command) == 0 {
		err = fmt.Errorf("Expected to receive command frame, but got data frame.")
		return
	}

	return DeserializeCommand(d)
}

// Serializes the (cmdName, cmdData) tuple. cmdName must be between 1 and 255
// bytes long.
func SerializeCommand(cmdName string, cmdData []byte) ([]byte, error) {
	if len(cmdName) == 0 || len(cmdName) > 0xFF {
		return nil, fmt.Errorf("invalid command name length: %d", len(cmdName))
	}

	buf := make([]byte, 1+len(cmdName)+len(cmdData))
	buf[0] = byte(len(cmdName))
	copy(buf[1:], cmdName)
	copy(buf[1+len(cmdName):], cmdData)

	return buf, nil
}

// Deserializes command message data into the command name and command data.
func DeserializeCommand(d []byte) (cmdName string, cmdData []byte, err error) {
	if len(d) == 0 {
		err = fmt.Errorf("Received a zero-length command frame.")
		return
	}

	cmdNameLen := int(d[0])
	if cmdNameLen == 0 || cmdNameLen+1 > len(d) {
		err = fmt.Errorf("Received a malformed command frame.")
		return
	}

	cmdName = string(d[1 : 1+cmdNameLen])
	cmdData = d[1+cmdNameLen:]
	return
}

// Deserializes ERROR command data into the reason string.
func DeserializeError(cmdData []byte) string {
	if len(cmdData) == 0 {
		return "(malformed ERROR command)"
	}

	reasonLen := int(cmdData[0])
	if reasonLen+1 > len(cmdData) {
		return "(malformed ERROR command)"
	}

	return string(cmdData[1 : 1+reasonLen])
}

// RemoteError is returned by a handshake when the remote peer answered with
// an ERROR command.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("Got error from remote peer: %q", e.Reason)
}

// UnexpectedCommandError is returned by a handshake when the remote peer sent
// a command that is not valid at that point.
type UnexpectedCommandError struct {
	Name string
}

func (e *UnexpectedCommandError) Error() string {
	return fmt.Sprintf("Unexpected command from remote peer: %q", e.Name)
}

// Maps a command received during a handshake to an error unless it is the
// expected one.
func ExpectCommand(cmdName string, cmdData []byte, expected string) error {
	switch cmdName {
	case expected:
		return nil
	case "ERROR":
		return &RemoteError{Reason: DeserializeError(cmdData)}
	default:
		return &UnexpectedCommandError{Name: cmdName}
	}
}
