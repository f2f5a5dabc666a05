package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/s3"
)

const maxCommitAttempts = 3

// IngestRequest carries one upload.
type IngestRequest struct {
	OwnerID      string
	Category     string
	OriginalName string
	ContentType  string
	// DeclaredSize is the size claimed by the client, checked before the body is trusted.
	DeclaredSize int64
	Data         []byte
	Requester    Requester
}

// IngestResult describes a committed document.
type IngestResult struct {
	Path        string    `json:"path"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Ingest validates, encrypts and stores a document. Nothing is written unless every
// step up to the final write succeeds; the write itself is conditional on the path
// being unused.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (result *IngestResult, err error) {
	const op = "ingest"
	ctx, end := s.startSpan(ctx, op, attribute.String("document.category", req.Category))
	defer func() {
		end(err)
		s.recordOutcome(op, err)
	}()

	category, contentType, algorithm, err := s.validateIngest(req)
	if err != nil {
		return nil, err
	}

	c, err := crypto.SealingCipherFor(algorithm)
	if err != nil {
		return nil, newError(KindValidation, op, "", err)
	}

	uploadedAt := s.now().UTC()
	ext := extensionFor(req.OriginalName, contentType)
	path, err := NewPath(category, req.OwnerID, ext, uploadedAt)
	if err != nil {
		return nil, newError(KindValidation, op, "", err)
	}

	dek, err := s.generateKey()
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, op, "", fmt.Errorf("failed to generate data key: %w", err))
	}
	defer crypto.ZeroBytes(dek)

	iv, err := crypto.GenerateIV(c)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, op, "", fmt.Errorf("failed to generate iv: %w", err))
	}

	encStart := time.Now()
	ciphertext, err := c.Seal(dek, iv, req.Data, path.associatedData())
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordEncryptionError("encrypt", "seal")
		}
		return nil, newError(KindIntegrity, op, "", fmt.Errorf("failed to encrypt document: %w", err))
	}
	if s.metrics != nil {
		s.metrics.RecordEncryptionOperation("encrypt", algorithm, time.Since(encStart), int64(len(req.Data)))
	}

	wrapped, err := s.wrapKey(ctx, dek, path)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"category": category,
			"provider": s.keys.Provider(),
		}).Warn("Key wrap failed, upload aborted")
		return nil, newError(KindUpstreamUnavailable, op, "", err)
	}

	body, err := crypto.EncodeEnvelope(&crypto.Envelope{
		Version:    crypto.EnvelopeVersion,
		Algorithm:  algorithm,
		Ciphertext: ciphertext,
		WrappedKey: wrapped.Ciphertext,
		IV:         iv,
		KeyID:      wrapped.KeyID,
	})
	if err != nil {
		return nil, newError(KindIntegrity, op, "", err)
	}

	size := int64(len(req.Data))
	name := sanitizeName(req.OriginalName)
	if name == "" {
		name = path.Name
	}
	metadata := buildMetadata(name, contentType, req.Requester.UserID, category, uploadedAt, size, algorithm)

	// The AAD and wrap context cover only the owner prefix, so a fresh name can be
	// drawn if the conditional write reports a collision.
	for attempt := 1; ; attempt++ {
		err = s.commit(ctx, path, body, metadata)
		if err == nil {
			break
		}
		if !errors.Is(err, s3.ErrObjectExists) || attempt == maxCommitAttempts {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"path":    path.String(),
				"attempt": attempt,
			}).Error("Failed to store document envelope")
			return nil, newError(KindStorageWrite, op, path.String(), err)
		}
		if path, err = NewPath(category, req.OwnerID, ext, uploadedAt); err != nil {
			return nil, newError(KindStorageWrite, op, "", err)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDocumentSize(string(category), size)
	}
	s.logger.WithFields(logrus.Fields{
		"path":         path.String(),
		"category":     category,
		"content_type": contentType,
		"size":         size,
		"algorithm":    algorithm,
	}).Info("Document stored")

	return &IngestResult{
		Path:        path.String(),
		ContentType: contentType,
		SizeBytes:   size,
		UploadedAt:  uploadedAt,
	}, nil
}

func (s *Service) commit(ctx context.Context, p Path, body []byte, metadata map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.PutObject(ctx, s.opts.Bucket, p.String(), body, metadata, s3.PutOptions{
		ContentType: "application/json",
		IfNoneMatch: true,
	})
	s.recordStore("PutObject", start, err)
	return err
}

// validateIngest runs every check that must pass before any key material is generated.
func (s *Service) validateIngest(req IngestRequest) (Category, string, string, error) {
	const op = "ingest"
	fail := func(kind Kind, err error) (Category, string, string, error) {
		return "", "", "", newError(kind, op, "", err)
	}

	category, err := ParseCategory(req.Category)
	if err != nil {
		return fail(KindValidation, err)
	}

	limits := s.opts.Policies.GetPolicyForCategory(string(category)).ApplyTo(s.documentsDefaults())
	var restrict []string
	if p := s.opts.Policies.GetPolicyForCategory(string(category)); p != nil {
		restrict = p.AllowedContentTypes
	}

	size := int64(len(req.Data))
	if req.DeclaredSize > size {
		size = req.DeclaredSize
	}
	if size > limits.MaxSizeBytes {
		return fail(KindValidation, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, limits.MaxSizeBytes))
	}

	contentType, err := NormalizeContentType(req.ContentType)
	if err != nil {
		return fail(KindValidation, err)
	}
	if err := checkContentType(contentType, restrict); err != nil {
		return fail(KindValidation, err)
	}

	if err := ValidateOwnerID(req.OwnerID); err != nil {
		return fail(KindValidation, err)
	}
	if category.AdminOnly() && !req.Requester.Admin {
		return fail(KindUnauthorized, ErrAdminOnly)
	}
	if err := authorizeOwner(req.OwnerID, req.Requester); err != nil {
		return fail(KindUnauthorized, err)
	}

	if _, err := crypto.SealingCipherFor(limits.Algorithm); err != nil {
		return fail(KindValidation, err)
	}
	return category, contentType, limits.Algorithm, nil
}
