package crypto

import (
	"encoding/json"
	"fmt"
)

// EnvelopeVersion is the current serialization version.
const EnvelopeVersion = 1

// Envelope is the only persisted cryptographic artifact: the encrypted document
// plus everything needed to decrypt it except the master key.
type Envelope struct {
	Version    int
	Algorithm  string
	Ciphertext []byte
	WrappedKey []byte
	IV         []byte
	// KeyID identifies the master key that wrapped the DEK. Informational.
	KeyID string
}

// envelopeDocument is the on-disk JSON form. Byte fields are base64 encoded by encoding/json.
type envelopeDocument struct {
	Version    int    `json:"v"`
	Algorithm  string `json:"alg"`
	Ciphertext []byte `json:"ct"`
	WrappedKey []byte `json:"wk"`
	IV         []byte `json:"iv"`
	KeyID      string `json:"kid,omitempty"`
}

// Validate checks that every required field is present and consistent with the algorithm.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: envelope is nil", ErrMalformedEnvelope)
	}
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, e.Version)
	}
	if e.Algorithm == "" {
		return fmt.Errorf("%w: missing algorithm", ErrMalformedEnvelope)
	}
	c, err := CipherFor(e.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(e.Ciphertext) == 0 {
		return fmt.Errorf("%w: missing ciphertext", ErrMalformedEnvelope)
	}
	if len(e.WrappedKey) == 0 {
		return fmt.Errorf("%w: missing wrapped key", ErrMalformedEnvelope)
	}
	if len(e.IV) != c.IVSize() {
		return fmt.Errorf("%w: iv must be %d bytes for %s, got %d", ErrMalformedEnvelope, c.IVSize(), e.Algorithm, len(e.IV))
	}
	return nil
}

// EncodeEnvelope serializes a validated envelope for storage.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelopeDocument{
		Version:    e.Version,
		Algorithm:  e.Algorithm,
		Ciphertext: e.Ciphertext,
		WrappedKey: e.WrappedKey,
		IV:         e.IV,
		KeyID:      e.KeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses stored bytes and rejects any envelope with a missing or malformed field.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty object", ErrMalformedEnvelope)
	}
	var doc envelopeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env := &Envelope{
		Version:    doc.Version,
		Algorithm:  doc.Algorithm,
		Ciphertext: doc.Ciphertext,
		WrappedKey: doc.WrappedKey,
		IV:         doc.IV,
		KeyID:      doc.KeyID,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
