package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default algorithm for new envelopes.
	AlgorithmAES256GCM = "aes-256-gcm"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 AEAD.
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"
	// AlgorithmAES256CBC is the legacy unauthenticated mode (PKCS7 padded).
	AlgorithmAES256CBC = "aes-256-cbc"

	// KeySize is the size of every data encryption key in bytes (256 bits).
	KeySize = 32

	gcmNonceSize      = 12
	chacha20NonceSize = chacha20poly1305.NonceSize
	cbcIVSize         = aes.BlockSize
)

// Cipher encrypts and decrypts document bytes under a per-document key.
// Implementations are stateless and safe for concurrent use.
type Cipher interface {
	// Algorithm returns the identifier recorded in the envelope.
	Algorithm() string

	// IVSize returns the required IV (nonce) length in bytes.
	IVSize() int

	// Authenticated reports whether tampering is detected cryptographically.
	Authenticated() bool

	// Seal encrypts plaintext. aad is bound to the ciphertext when the cipher is authenticated.
	Seal(key, iv, plaintext, aad []byte) ([]byte, error)

	// Open decrypts ciphertext. Any tag or padding failure yields ErrIntegrity.
	Open(key, iv, ciphertext, aad []byte) ([]byte, error)
}

// CipherFor returns the cipher implementation for the given algorithm tag.
func CipherFor(algorithm string) (Cipher, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return &aeadCipher{algorithm: algorithm, ivSize: gcmNonceSize, newAEAD: newAESGCM}, nil
	case AlgorithmChaCha20Poly1305:
		return &aeadCipher{algorithm: algorithm, ivSize: chacha20NonceSize, newAEAD: chacha20poly1305.New}, nil
	case AlgorithmAES256CBC:
		return cbcCipher{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// SealingCipherFor returns the cipher for writing new envelopes. Legacy unauthenticated
// modes stay readable through CipherFor but are refused here.
func SealingCipherFor(algorithm string) (Cipher, error) {
	c, err := CipherFor(algorithm)
	if err != nil {
		return nil, err
	}
	if !c.Authenticated() {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticatedAlgorithm, algorithm)
	}
	return c, nil
}

// IsAlgorithmSupported checks if an algorithm is supported.
func IsAlgorithmSupported(algorithm string, supported []string) bool {
	if len(supported) == 0 {
		// If no supported list, allow all authenticated algorithms
		return algorithm == AlgorithmAES256GCM || algorithm == AlgorithmChaCha20Poly1305
	}

	for _, alg := range supported {
		if alg == algorithm {
			return true
		}
	}
	return false
}

// aeadCipher adapts a cipher.AEAD constructor to the Cipher interface.
type aeadCipher struct {
	algorithm string
	ivSize    int
	newAEAD   func(key []byte) (cipher.AEAD, error)
}

func (c *aeadCipher) Algorithm() string   { return c.algorithm }
func (c *aeadCipher) IVSize() int         { return c.ivSize }
func (c *aeadCipher) Authenticated() bool { return true }

func (c *aeadCipher) Seal(key, iv, plaintext, aad []byte) ([]byte, error) {
	aead, err := c.create(key, iv)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

func (c *aeadCipher) Open(key, iv, ciphertext, aad []byte) ([]byte, error) {
	aead, err := c.create(key, iv)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %s authentication failed", ErrIntegrity, c.algorithm)
	}
	return plaintext, nil
}

func (c *aeadCipher) create(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", c.algorithm, KeySize, len(key))
	}
	if len(iv) != c.ivSize {
		return nil, fmt.Errorf("%w: invalid iv size for %s: expected %d bytes, got %d", ErrIntegrity, c.algorithm, c.ivSize, len(iv))
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cipher: %w", c.algorithm, err)
	}
	return aead, nil
}

// newAESGCM creates an AES-256-GCM AEAD.
func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// cbcCipher is AES-256-CBC with PKCS7 padding. It ignores aad.
type cbcCipher struct{}

func (cbcCipher) Algorithm() string   { return AlgorithmAES256CBC }
func (cbcCipher) IVSize() int         { return cbcIVSize }
func (cbcCipher) Authenticated() bool { return false }

func (c cbcCipher) Seal(key, iv, plaintext, _ []byte) ([]byte, error) {
	block, err := c.block(key, iv)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func (c cbcCipher) Open(key, iv, ciphertext, _ []byte) ([]byte, error) {
	block, err := c.block(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrIntegrity)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	plaintext, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		zeroBytes(out)
		return nil, err
	}
	return plaintext, nil
}

func (cbcCipher) block(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != cbcIVSize {
		return nil, fmt.Errorf("%w: invalid iv size for %s: expected %d bytes, got %d", ErrIntegrity, AlgorithmAES256CBC, cbcIVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return block, nil
}
