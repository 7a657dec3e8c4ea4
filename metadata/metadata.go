// Package metadata implements the ZMTP name/value property encoding used in
// READY and INITIATE commands and in the metadata frame of ZAP replies.
//
// Each property is a one-octet name length, the name, a four-octet big-endian
// value length and the value.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformed is returned for a property list that cannot be decoded.
var ErrMalformed = errors.New("Malformed metadata")

// Encodes properties with names in sorted order so the output is stable.
func Encode(props map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(props))
	L := 0
	for k, v := range props {
		if !ValidName(k) {
			return nil, fmt.Errorf("invalid metadata property name %q", k)
		}
		names = append(names, k)
		L += 5 + len(k) + len(v)
	}
	sort.Strings(names)

	buf := make([]byte, 0, L)
	for _, k := range names {
		v := props[k]
		buf = append(buf, byte(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}

	return buf, nil
}

// Decodes a property list. An empty buffer decodes to an empty map. Values
// alias buf.
func Decode(buf []byte) (props map[string][]byte, err error) {
	props = map[string][]byte{}
	for len(buf) > 0 {
		if len(buf) < 5 {
			return nil, ErrMalformed
		}

		kLen := int(buf[0])
		if kLen == 0 || len(buf) < 5+kLen {
			return nil, ErrMalformed
		}

		k := string(buf[1 : 1+kLen])
		if !ValidName(k) {
			return nil, ErrMalformed
		}
		if _, dup := props[k]; dup {
			return nil, fmt.Errorf("%w: duplicate property %q", ErrMalformed, k)
		}

		vLen := binary.BigEndian.Uint32(buf[1+kLen:])
		rest := buf[5+kLen:]
		if uint64(len(rest)) < uint64(vLen) {
			return nil, ErrMalformed
		}

		props[k] = rest[:vLen]
		buf = rest[vLen:]
	}
	return
}

// String-valued convenience wrapper around Encode, for ZMTP handshake
// metadata. Invalid names are skipped.
func Serialize(md map[string]string) []byte {
	props := make(map[string][]byte, len(md))
	for k, v := range md {
		if ValidName(k) {
			props[k] = []byte(v)
		}
	}

	buf, _ := Encode(props)
	return buf
}

// String-valued convenience wrapper around Decode.
func Deserialize(mdBuf []byte) (md map[string]string, err error) {
	props, err := Decode(mdBuf)
	if err != nil {
		return nil, err
	}

	md = make(map[string]string, len(props))
	for k, v := range props {
		md[k] = string(v)
	}
	return
}

// Property names are 1 to 255 characters from [A-Za-z0-9.-_+].
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > 0xFF {
		return false
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '_', c == '+':
		default:
			return false
		}
	}
	return true
}
