// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/soothill/miio-bridge/pkg/errors"
)

// Hello is the device's answer to the handshake frame.
type Hello struct {
	DeviceID uint32
	Stamp    uint32

	// Token is only set when an unprovisioned device exposes it in the
	// checksum slot.
	Token        Token
	TokenExposed bool
}

var (
	allOnes  = bytes.Repeat([]byte{0xFF}, 16)
	allZeros = make([]byte, 16)
)

// HelloFrame returns the unencrypted handshake frame.
func HelloFrame() []byte {
	frame := bytes.Repeat([]byte{0xFF}, HeaderSize)
	binary.BigEndian.PutUint16(frame[0:2], Magic)
	binary.BigEndian.PutUint16(frame[2:4], HeaderSize)
	return frame
}

// IsHello reports whether frame is a bare 32 byte handshake frame.
func IsHello(frame []byte) bool {
	if len(frame) != HeaderSize {
		return false
	}
	h := parseHeader(frame)
	return h.Magic == Magic && h.Length == HeaderSize
}

// ParseHello decodes a handshake response.
func ParseHello(frame []byte) (*Hello, error) {
	if len(frame) < HeaderSize {
		return nil, errors.NewMalformed(fmt.Sprintf("hello is %d bytes", len(frame)))
	}
	h := parseHeader(frame)
	if h.Magic != Magic {
		return nil, errors.NewMalformed(fmt.Sprintf("bad magic 0x%04x", h.Magic))
	}
	if int(h.Length) != len(frame) {
		return nil, errors.NewMalformed(fmt.Sprintf("length field %d does not match frame size %d", h.Length, len(frame)))
	}

	hello := &Hello{DeviceID: h.DeviceID, Stamp: h.Stamp}
	if !bytes.Equal(h.Checksum[:], allOnes) && !bytes.Equal(h.Checksum[:], allZeros) {
		copy(hello.Token[:], h.Checksum[:])
		hello.TokenExposed = true
	}
	return hello, nil
}

// EncodeHelloReply builds a handshake response. Used by tests and simulators.
func EncodeHelloReply(deviceID, stamp uint32, exposed *Token) []byte {
	frame := make([]byte, HeaderSize)
	putHeader(frame, HeaderSize, 0, deviceID, stamp)
	if exposed != nil {
		copy(frame[16:32], exposed[:])
	} else {
		copy(frame[16:32], allOnes)
	}
	return frame
}
