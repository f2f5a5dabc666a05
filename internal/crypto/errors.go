package crypto

import "errors"

var (
	// ErrUnsupportedAlgorithm is returned for algorithm tags this build cannot handle.
	ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")

	// ErrUnauthenticatedAlgorithm is returned when a legacy mode is requested for new envelopes.
	ErrUnauthenticatedAlgorithm = errors.New("crypto: algorithm is not authenticated and cannot seal new envelopes")

	// ErrIntegrity signals tampering or a wrong key: authentication tag, padding or unwrap failure.
	ErrIntegrity = errors.New("crypto: integrity check failed")

	// ErrMalformedEnvelope is returned when a stored envelope cannot be decoded or is incomplete.
	ErrMalformedEnvelope = errors.New("crypto: malformed envelope")

	// ErrKeyUnavailable is returned when the key management service cannot be reached or refuses service.
	ErrKeyUnavailable = errors.New("crypto: key management service unavailable")
)
