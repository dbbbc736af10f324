// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid lowercase", "00112233445566778899aabbccddeeff", false},
		{"valid uppercase", "00112233445566778899AABBCCDDEEFF", false},
		{"surrounding whitespace", "  00112233445566778899aabbccddeeff\n", false},
		{"too short", "0011", true},
		{"too long", "00112233445566778899aabbccddeeff00", true},
		{"not hex", "zz112233445566778899aabbccddeeff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := ParseToken(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.False(t, tok.IsZero())
		})
	}
}

func TestTokenNeverPrints(t *testing.T) {
	tok, err := ParseToken("00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	for _, verb := range []string{"%v", "%s", "%x", "%+v", "%#v", "%q"} {
		out := fmt.Sprintf(verb, tok)
		assert.NotContains(t, out, "00112233", "verb %s", verb)
		assert.Contains(t, out, "redacted", "verb %s", verb)
	}

	b, err := json.Marshal(struct{ Token Token }{tok})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "00112233")
}

func TestKeyDerivation(t *testing.T) {
	// MD5 of the 16 zero bytes is a well known constant.
	var zero Token
	key := zero.key()
	assert.Equal(t, "4ae71336e44bf9bf79d2752e234818a5", hex.EncodeToString(key[:]))

	iv := zero.iv()
	assert.NotEqual(t, key, iv)
}

func TestPadding(t *testing.T) {
	for n := 0; n < 40; n++ {
		in := make([]byte, n)
		padded := pad(in, 16)
		assert.Equal(t, 0, len(padded)%16)
		assert.Greater(t, len(padded), n)

		out, err := unpad(padded, 16)
		require.NoError(t, err)
		assert.Len(t, out, n)
	}

	_, err := unpad([]byte{1, 2, 3, 0}, 16)
	assert.Error(t, err)
	_, err = unpad([]byte{1, 2, 3, 17}, 16)
	assert.Error(t, err)
}
