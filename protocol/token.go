// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // key derivation is fixed by the device firmware
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenSize is the length of a device token in bytes.
const TokenSize = 16

// Token is the per-device secret the payload cipher is keyed from.
//
// Token deliberately does not print: String and Format return a redaction
// marker so tokens cannot leak through log fields or %v formatting.
type Token [TokenSize]byte

const redacted = "<redacted>"

// ParseToken decodes a 32 character hex token.
func ParseToken(s string) (Token, error) {
	var t Token
	s = strings.TrimSpace(s)
	if len(s) != TokenSize*2 {
		return t, fmt.Errorf("token must be %d hex characters, got %d", TokenSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("token is not valid hex: %w", err)
	}
	copy(t[:], b)
	return t, nil
}

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool {
	return t == Token{}
}

// Equal compares two tokens.
func (t Token) Equal(other Token) bool {
	return t == other
}

func (t Token) String() string {
	return redacted
}

// Format implements fmt.Formatter so every verb prints the marker.
func (t Token) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

// MarshalText keeps tokens out of JSON and YAML encodings.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// key returns MD5(token).
func (t Token) key() [16]byte {
	return md5.Sum(t[:]) //nolint:gosec
}

// iv returns MD5(key || token).
func (t Token) iv() [16]byte {
	k := t.key()
	buf := make([]byte, 0, 32)
	buf = append(buf, k[:]...)
	buf = append(buf, t[:]...)
	return md5.Sum(buf) //nolint:gosec
}

func (t Token) encrypt(plain []byte) ([]byte, error) {
	key, iv := t.key(), t.iv()
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	padded := pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out, nil
}

func (t Token) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d", len(ciphertext), aes.BlockSize)
	}
	key, iv := t.key(), t.iv()
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

// pad applies PKCS#7 padding.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("invalid padding byte")
		}
	}
	return b[:len(b)-n], nil
}
