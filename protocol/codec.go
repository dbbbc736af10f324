// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package protocol implements the miIO frame format.
//
// A frame is a 32 byte big-endian header followed by an AES-128-CBC encrypted
// payload:
//
//	0      2      4          8          12         16                32
//	+------+------+----------+----------+----------+-----------------+
//	|magic |length| reserved | deviceID |  stamp   |    checksum     |
//	+------+------+----------+----------+----------+-----------------+
//	|                 encrypted payload (PKCS#7)                     |
//
// The cipher key is MD5(token) and the IV is MD5(key || token). The checksum
// is MD5 over the header (with the token in the checksum slot) followed by
// the ciphertext. The hello frame is the only unencrypted variant.
package protocol

import (
	"crypto/md5" //nolint:gosec // checksum algorithm is fixed by the device firmware
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/soothill/miio-bridge/pkg/errors"
)

const (
	// Magic marks the start of every frame.
	Magic uint16 = 0x2131

	// HeaderSize is the fixed header length.
	HeaderSize = 32

	// DefaultPort is the UDP port devices listen on.
	DefaultPort = 54321

	// MaxFrameSize is bounded by the 16 bit length field.
	MaxFrameSize = 0xFFFF
)

// Identity names one device on the network.
type Identity struct {
	Address  string // host or host:port
	Model    string
	DeviceID uint32
	Token    Token
}

// Header is the decoded fixed-size frame header.
type Header struct {
	Magic    uint16
	Length   uint16
	Reserved uint32
	DeviceID uint32
	Stamp    uint32
	Checksum [16]byte
}

// Message is a decoded frame.
type Message struct {
	Header  Header
	Payload []byte
}

func parseHeader(b []byte) Header {
	var h Header
	h.Magic = binary.BigEndian.Uint16(b[0:2])
	h.Length = binary.BigEndian.Uint16(b[2:4])
	h.Reserved = binary.BigEndian.Uint32(b[4:8])
	h.DeviceID = binary.BigEndian.Uint32(b[8:12])
	h.Stamp = binary.BigEndian.Uint32(b[12:16])
	copy(h.Checksum[:], b[16:32])
	return h
}

func putHeader(b []byte, length int, reserved, deviceID, stamp uint32) {
	binary.BigEndian.PutUint16(b[0:2], Magic)
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
	binary.BigEndian.PutUint32(b[4:8], reserved)
	binary.BigEndian.PutUint32(b[8:12], deviceID)
	binary.BigEndian.PutUint32(b[12:16], stamp)
}

// checksum computes MD5(header[0:16] || token || body).
func checksum(frame []byte, token Token) [16]byte {
	h := md5.New() //nolint:gosec
	h.Write(frame[:16])
	h.Write(token[:])
	h.Write(frame[HeaderSize:])
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Encode builds an encrypted frame for the device.
func Encode(id *Identity, stamp uint32, payload []byte) ([]byte, error) {
	ciphertext, err := id.Token.encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	length := HeaderSize + len(ciphertext)
	if length > MaxFrameSize {
		return nil, errors.NewValidationError("payload", len(payload), "frame exceeds 65535 bytes")
	}

	frame := make([]byte, length)
	putHeader(frame, length, 0, id.DeviceID, stamp)
	copy(frame[HeaderSize:], ciphertext)
	sum := checksum(frame, id.Token)
	copy(frame[16:32], sum[:])
	return frame, nil
}

// Decode validates and decrypts a frame received from the device.
//
// Structural problems and checksum mismatches return a Malformed DecodeError.
// On a checksum mismatch the body is trial-decrypted; when it does not yield a
// JSON document under the identity's token the error is flagged TokenMismatch,
// leaving it to the caller to decide whether the failure is sustained. A frame
// with a valid checksum whose body still cannot be decrypted returns an
// AuthFailed DecodeError.
func Decode(id *Identity, frame []byte) (*Message, error) {
	if len(frame) < HeaderSize {
		return nil, errors.NewMalformed(fmt.Sprintf("frame is %d bytes, header needs %d", len(frame), HeaderSize))
	}
	h := parseHeader(frame)
	if h.Magic != Magic {
		return nil, errors.NewMalformed(fmt.Sprintf("bad magic 0x%04x", h.Magic))
	}
	if int(h.Length) != len(frame) {
		return nil, errors.NewMalformed(fmt.Sprintf("length field %d does not match frame size %d", h.Length, len(frame)))
	}

	body := frame[HeaderSize:]
	if len(body)%16 != 0 {
		return nil, errors.NewMalformed(fmt.Sprintf("payload size %d is not block aligned", len(body)))
	}

	sum := checksum(frame, id.Token)
	if subtle.ConstantTimeCompare(sum[:], h.Checksum[:]) != 1 {
		if len(body) > 0 {
			if plain, err := id.Token.decrypt(body); err != nil || !json.Valid(trimNull(plain)) {
				return nil, errors.NewTokenMismatch("checksum mismatch, payload does not decrypt with token")
			}
		}
		return nil, errors.NewMalformed("checksum mismatch")
	}

	msg := &Message{Header: h}
	if len(body) == 0 {
		return msg, nil
	}
	plain, err := id.Token.decrypt(body)
	if err != nil {
		return nil, errors.NewAuthFailed(err.Error())
	}
	msg.Payload = plain
	return msg, nil
}
