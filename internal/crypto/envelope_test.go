package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope(t *testing.T) *Envelope {
	t.Helper()
	return &Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  AlgorithmAES256GCM,
		Ciphertext: []byte("ciphertext-bytes-with-tag"),
		WrappedKey: []byte("wrapped-dek"),
		IV:         make([]byte, 12),
		KeyID:      "projects/p/locations/l/keyRings/r/cryptoKeys/k",
	}
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	env := validEnvelope(t)

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"alg":"aes-256-gcm"`)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.Version, decoded.Version)
	assert.Equal(t, env.Algorithm, decoded.Algorithm)
	assert.True(t, bytes.Equal(env.Ciphertext, decoded.Ciphertext))
	assert.True(t, bytes.Equal(env.WrappedKey, decoded.WrappedKey))
	assert.True(t, bytes.Equal(env.IV, decoded.IV))
	assert.Equal(t, env.KeyID, decoded.KeyID)
}

func TestEnvelope_DecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "not json", data: "\x00\x01binary"},
		{name: "truncated", data: `{"v":1,"alg":"aes-256-gcm","ct":"AAAA"`},
		{name: "missing algorithm", data: `{"v":1,"ct":"AAAA","wk":"AAAA","iv":"AAAAAAAAAAAAAAAA"}`},
		{name: "missing wrapped key", data: `{"v":1,"alg":"aes-256-gcm","ct":"AAAA","iv":"AAAAAAAAAAAAAAAA"}`},
		{name: "missing ciphertext", data: `{"v":1,"alg":"aes-256-gcm","wk":"AAAA","iv":"AAAAAAAAAAAAAAAA"}`},
		{name: "missing iv", data: `{"v":1,"alg":"aes-256-gcm","ct":"AAAA","wk":"AAAA"}`},
		{name: "short iv", data: `{"v":1,"alg":"aes-256-gcm","ct":"AAAA","wk":"AAAA","iv":"AAAA"}`},
		{name: "unknown algorithm", data: `{"v":1,"alg":"des","ct":"AAAA","wk":"AAAA","iv":"AAAAAAAAAAAAAAAA"}`},
		{name: "unknown version", data: `{"v":9,"alg":"aes-256-gcm","ct":"AAAA","wk":"AAAA","iv":"AAAAAAAAAAAAAAAA"}`},
		{name: "bad base64", data: `{"v":1,"alg":"aes-256-gcm","ct":"!!!","wk":"AAAA","iv":"AAAAAAAAAAAAAAAA"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.data))
			assert.Nil(t, env)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestEnvelope_EncodeRejectsIncomplete(t *testing.T) {
	env := validEnvelope(t)
	env.WrappedKey = nil
	_, err := EncodeEnvelope(env)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	env = validEnvelope(t)
	env.Algorithm = AlgorithmAES256CBC // 16-byte IV required
	_, err = EncodeEnvelope(env)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = EncodeEnvelope(nil)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
