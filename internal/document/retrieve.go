package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/s3"
)

// Document is a decrypted document.
type Document struct {
	Path         string
	Data         []byte
	ContentType  string
	OriginalName string
	SizeBytes    int64
	UploadedAt   time.Time
}

// Retrieve authorizes, fetches and decrypts the document at rawPath. Authorization is
// decided from the path alone, before the store or the KMS is contacted.
func (s *Service) Retrieve(ctx context.Context, rawPath string, r Requester) (doc *Document, err error) {
	const op = "retrieve"
	ctx, end := s.startSpan(ctx, op)
	defer func() {
		end(err)
		s.recordOutcome(op, err)
	}()

	p, err := s.authorizedPath(op, rawPath, r)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(pathAttr(p))
	key := p.String()

	body, meta, err := s.fetch(ctx, key)
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return nil, newError(KindNotFound, op, key, err)
		}
		return nil, newError(KindUpstreamUnavailable, op, key, err)
	}

	env, err := crypto.DecodeEnvelope(body)
	if err != nil {
		return nil, newError(KindIntegrity, op, key, err)
	}
	if !crypto.IsAlgorithmSupported(env.Algorithm, s.readableAlgorithms()) {
		return nil, newError(KindIntegrity, op, key, fmt.Errorf("%w: %s", crypto.ErrUnsupportedAlgorithm, env.Algorithm))
	}
	c, err := crypto.CipherFor(env.Algorithm)
	if err != nil {
		return nil, newError(KindIntegrity, op, key, err)
	}

	dek, err := s.unwrapKey(ctx, env, p)
	if err != nil {
		kind := kmsErrorKind(err)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"path": key,
			"kind": kind.String(),
		}).Warn("Key unwrap failed")
		return nil, newError(kind, op, key, err)
	}
	defer crypto.ZeroBytes(dek)

	decStart := time.Now()
	plaintext, err := c.Open(dek, env.IV, env.Ciphertext, p.associatedData())
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordEncryptionError("decrypt", "open")
		}
		s.logger.WithError(err).WithField("path", key).Error("Document failed integrity check")
		return nil, newError(KindIntegrity, op, key, err)
	}
	if s.metrics != nil {
		s.metrics.RecordEncryptionOperation("decrypt", env.Algorithm, time.Since(decStart), int64(len(plaintext)))
	}

	rec := recordFromMetadata(p, meta)
	name := rec.OriginalName
	if name == "" {
		name = p.Name
	}
	return &Document{
		Path:         key,
		Data:         plaintext,
		ContentType:  rec.ContentType,
		OriginalName: name,
		SizeBytes:    int64(len(plaintext)),
		UploadedAt:   rec.UploadedAt,
	}, nil
}

// Stat returns the stored record for rawPath without decrypting it.
func (s *Service) Stat(ctx context.Context, rawPath string, r Requester) (rec *Record, err error) {
	const op = "stat"
	ctx, end := s.startSpan(ctx, op)
	defer func() {
		end(err)
		s.recordOutcome(op, err)
	}()

	p, err := s.authorizedPath(op, rawPath, r)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(pathAttr(p))

	meta, err := s.head(ctx, p.String())
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return nil, newError(KindNotFound, op, p.String(), err)
		}
		return nil, newError(KindUpstreamUnavailable, op, p.String(), err)
	}
	out := recordFromMetadata(p, meta)
	return &out, nil
}

// Authorize checks that r may read rawPath without touching the store or the KMS.
// Errors carry the same kinds Retrieve would return.
func (s *Service) Authorize(rawPath string, r Requester) (Path, error) {
	return s.authorizedPath("retrieve", rawPath, r)
}

func (s *Service) authorizedPath(op, rawPath string, r Requester) (Path, error) {
	p, err := ParsePath(rawPath)
	if err != nil {
		return Path{}, newError(KindValidation, op, "", err)
	}
	if err := Authorize(p, r); err != nil {
		return Path{}, newError(KindUnauthorized, op, p.String(), err)
	}
	return p, nil
}

func (s *Service) fetch(ctx context.Context, key string) ([]byte, map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	reader, meta, err := s.store.GetObject(ctx, s.opts.Bucket, key)
	if err != nil {
		s.recordStore("GetObject", start, err)
		return nil, nil, err
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	s.recordStore("GetObject", start, err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return body, meta, nil
}

func (s *Service) head(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	meta, err := s.store.HeadObject(ctx, s.opts.Bucket, key)
	s.recordStore("HeadObject", start, err)
	return meta, err
}

func pathAttr(p Path) attribute.KeyValue {
	return attribute.String("document.category", string(p.Category))
}
