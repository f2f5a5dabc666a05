package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters for the local master key.
	pbkdf2Iterations = 100000
	minSecretLength  = 12
)

// localKeyManager wraps DEKs in-process with a master key derived from a secret.
// It is meant for development and tests; production deployments use a remote KMS.
type localKeyManager struct {
	mu        sync.RWMutex
	masterKey []byte
	keyID     string
	wrapper   Cipher
}

// NewLocalKeyManager creates a KeyManager whose master key is derived from secret
// with PBKDF2-SHA256, salted by the handle's resource name.
func NewLocalKeyManager(secret string, handle MasterKeyHandle) (KeyManager, error) {
	if secret == "" {
		return nil, errors.New("kms: local master secret cannot be empty")
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("kms: local master secret must be at least %d characters", minSecretLength)
	}
	if err := handle.Validate(); err != nil {
		return nil, err
	}

	wrapper, err := CipherFor(AlgorithmAES256GCM)
	if err != nil {
		return nil, err
	}
	keyID := handle.String()
	return &localKeyManager{
		masterKey: pbkdf2.Key([]byte(secret), []byte(keyID), pbkdf2Iterations, KeySize, sha256.New),
		keyID:     keyID,
		wrapper:   wrapper,
	}, nil
}

// Provider implements KeyManager.
func (m *localKeyManager) Provider() string {
	return "local"
}

// WrapKey implements KeyManager. The output is nonce || sealed DEK.
func (m *localKeyManager) WrapKey(ctx context.Context, plaintext []byte, wrapContext map[string]string) (*KeyEnvelope, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("kms: plaintext DEK is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.masterKey == nil {
		return nil, fmt.Errorf("%w: key manager closed", ErrKeyUnavailable)
	}

	nonce := make([]byte, m.wrapper.IVSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("kms: failed to generate nonce: %w", err)
	}
	sealed, err := m.wrapper.Seal(m.masterKey, nonce, plaintext, canonicalContext(wrapContext))
	if err != nil {
		return nil, fmt.Errorf("kms: wrap failed: %w", err)
	}
	return &KeyEnvelope{
		KeyID:      m.keyID,
		Provider:   m.Provider(),
		Ciphertext: append(nonce, sealed...),
	}, nil
}

// UnwrapKey implements KeyManager.
func (m *localKeyManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, wrapContext map[string]string) ([]byte, error) {
	if envelope == nil || len(envelope.Ciphertext) <= m.wrapper.IVSize() {
		return nil, fmt.Errorf("%w: wrapped key is too short", ErrIntegrity)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.masterKey == nil {
		return nil, fmt.Errorf("%w: key manager closed", ErrKeyUnavailable)
	}

	n := m.wrapper.IVSize()
	dek, err := m.wrapper.Open(m.masterKey, envelope.Ciphertext[:n], envelope.Ciphertext[n:], canonicalContext(wrapContext))
	if err != nil {
		return nil, fmt.Errorf("kms: unwrap failed: %w", err)
	}
	return dek, nil
}

// Close implements KeyManager.
func (m *localKeyManager) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zeroBytes(m.masterKey)
	m.masterKey = nil
	return nil
}
