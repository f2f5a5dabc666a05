package crypto

import (
	"bytes"
	"crypto/subtle"
	"fmt"
)

// pkcs7Pad appends PKCS#7 padding. A full block is added when len(data) is already aligned.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+padLen)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// pkcs7Unpad strips PKCS#7 padding. Padding bytes are compared in constant time.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length %d", ErrIntegrity, len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrIntegrity)
	}
	want := bytes.Repeat([]byte{byte(padLen)}, padLen)
	if subtle.ConstantTimeCompare(data[len(data)-padLen:], want) != 1 {
		return nil, fmt.Errorf("%w: invalid padding", ErrIntegrity)
	}
	return data[:len(data)-padLen], nil
}
