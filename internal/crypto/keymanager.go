package crypto

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// KeyManager abstracts external Key Management Systems (KMS) that wrap and unwrap
// per-document data encryption keys (DEKs).
//
// Implementations must never expose plaintext master keys and must ensure that all
// master-key operations happen within the KMS. Transport or availability failures are
// reported as ErrKeyUnavailable; ciphertexts the KMS rejects are reported as ErrIntegrity.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "aws-kms") used for diagnostics and metadata.
	Provider() string

	// WrapKey encrypts the plaintext DEK under the master key. wrapContext is bound to the
	// result and must be presented unchanged to UnwrapKey.
	WrapKey(ctx context.Context, plaintext []byte, wrapContext map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the wrapped DEK and returns the plaintext key.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, wrapContext map[string]string) ([]byte, error)

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap a DEK.
type KeyEnvelope struct {
	KeyID      string
	Provider   string
	Ciphertext []byte
}

// MasterKeyHandle is the environment-scoped reference to the master key.
// It is never stored per document; only its rendered id may be recorded.
type MasterKeyHandle struct {
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	KeyRing  string `yaml:"key_ring"`
	Key      string `yaml:"key"`
}

// String renders the handle as a resource name.
func (h MasterKeyHandle) String() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s", h.Project, h.Location, h.KeyRing, h.Key)
}

// Validate checks that every segment of the handle is set.
func (h MasterKeyHandle) Validate() error {
	switch {
	case h.Project == "":
		return fmt.Errorf("kms: master key project is required")
	case h.Location == "":
		return fmt.Errorf("kms: master key location is required")
	case h.KeyRing == "":
		return fmt.Errorf("kms: master key ring is required")
	case h.Key == "":
		return fmt.Errorf("kms: master key name is required")
	}
	return nil
}

// canonicalContext renders a wrap context deterministically for use as associated data.
func canonicalContext(wrapContext map[string]string) []byte {
	keys := make([]string, 0, len(wrapContext))
	for k := range wrapContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(wrapContext[k])
	}
	return []byte(b.String())
}
