package crypto

import (
	"crypto/rand"
	"fmt"
)

// GenerateKey returns a fresh 256-bit data encryption key from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// GenerateIV returns a fresh IV of the size required by c.
func GenerateIV(c Cipher) ([]byte, error) {
	iv := make([]byte, c.IVSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return iv, nil
}

// ZeroBytes overwrites key material once it is no longer needed.
func ZeroBytes(b []byte) {
	zeroBytes(b)
}

// zeroBytes overwrites a byte slice with zeros for secure memory cleanup.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
