package document

import (
	"errors"
	"fmt"
)

// Kind classifies document operation failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers bad size, content type, category or owner id. Raised before any crypto.
	KindValidation
	// KindUnauthorized means the requester does not own the path and is not an admin.
	KindUnauthorized
	// KindNotFound means no object exists at the path.
	KindNotFound
	// KindIntegrity covers malformed envelopes and failed unwrap or decrypt.
	KindIntegrity
	// KindUpstreamUnavailable means the KMS or the store could not be reached.
	KindUpstreamUnavailable
	// KindStorageWrite means the envelope could not be committed.
	KindStorageWrite
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindIntegrity:
		return "integrity"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindStorageWrite:
		return "storage_write"
	default:
		return "unknown"
	}
}

// Retryable reports whether the caller may retry the same request.
func (k Kind) Retryable() bool {
	return k == KindUpstreamUnavailable || k == KindStorageWrite
}

// Validation causes, usable with errors.Is.
var (
	ErrTooLarge               = errors.New("document exceeds the maximum size")
	ErrMissingDocument        = errors.New("no document was supplied")
	ErrUnsupportedContentType = errors.New("content type is not allowed")
	ErrInvalidCategory        = errors.New("unknown document category")
	ErrInvalidOwner           = errors.New("invalid owner id")
	ErrInvalidPath            = errors.New("invalid document path")
	ErrAdminOnly              = errors.New("category is reserved for administrators")
	ErrNotOwner               = errors.New("requester does not own this document")
	ErrUnauthenticated        = errors.New("requester identity is missing")
)

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("document %s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("document %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindUnknown if err is not a *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err carries a retryable Kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

func newError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}
