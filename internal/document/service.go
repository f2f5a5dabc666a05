package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/metrics"
	"github.com/kenneth/document-vault/internal/s3"
)

// Options configures a Service.
type Options struct {
	Bucket              string
	Algorithm           string
	SupportedAlgorithms []string
	MaxSizeBytes        int64
	CatalogConcurrency  int
	ListPageSize        int32
	KMSTimeout          time.Duration
	StoreTimeout        time.Duration
	Policies            *config.PolicyManager
}

// OptionsFromConfig maps the documents, backend and kms sections onto Options.
func OptionsFromConfig(cfg *config.Config, policies *config.PolicyManager) Options {
	return Options{
		Bucket:              cfg.Backend.Bucket,
		Algorithm:           cfg.Documents.Algorithm,
		SupportedAlgorithms: cfg.Documents.SupportedAlgorithms,
		MaxSizeBytes:        cfg.Documents.MaxSizeBytes,
		CatalogConcurrency:  cfg.Documents.CatalogConcurrency,
		ListPageSize:        cfg.Documents.ListPageSize,
		KMSTimeout:          cfg.KMS.Timeout,
		StoreTimeout:        cfg.Backend.Timeout,
		Policies:            policies,
	}
}

// Service implements ingestion, retrieval, catalog listing and deletion of encrypted documents.
// It holds no per-request state and is safe for concurrent use.
type Service struct {
	store   s3.Client
	keys    crypto.KeyManager
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	now         func() time.Time
	generateKey func() ([]byte, error)
}

// NewService wires a Service. m may be nil.
func NewService(store s3.Client, keys crypto.KeyManager, opts Options, logger *logrus.Logger, m *metrics.Metrics) (*Service, error) {
	if store == nil {
		return nil, errors.New("document: store is required")
	}
	if keys == nil {
		return nil, errors.New("document: key manager is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("document: bucket is required")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = crypto.AlgorithmAES256GCM
	}
	if _, err := crypto.SealingCipherFor(opts.Algorithm); err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	for _, c := range allCategories {
		p := opts.Policies.GetPolicyForCategory(string(c))
		if p == nil || p.Algorithm == "" {
			continue
		}
		if _, err := crypto.SealingCipherFor(p.Algorithm); err != nil {
			return nil, fmt.Errorf("document: policy %s for %s: %w", p.ID, c, err)
		}
	}
	for _, alg := range opts.SupportedAlgorithms {
		if _, err := crypto.CipherFor(alg); err != nil {
			return nil, fmt.Errorf("document: %w", err)
		}
	}
	if opts.MaxSizeBytes <= 0 {
		opts.MaxSizeBytes = 10 << 20
	}
	if opts.CatalogConcurrency <= 0 || opts.CatalogConcurrency > len(allCategories) {
		opts.CatalogConcurrency = len(allCategories)
	}
	if opts.ListPageSize <= 0 {
		opts.ListPageSize = 1000
	}
	if opts.KMSTimeout <= 0 {
		opts.KMSTimeout = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Service{
		store:       store,
		keys:        keys,
		opts:        opts,
		logger:      logger,
		metrics:     m,
		tracer:      otel.Tracer("document-vault/document"),
		now:         time.Now,
		generateKey: crypto.GenerateKey,
	}, nil
}

// MaxUploadBytes is the largest document any category accepts.
func (s *Service) MaxUploadBytes() int64 {
	limit := s.opts.MaxSizeBytes
	for _, c := range allCategories {
		if p := s.opts.Policies.GetPolicyForCategory(string(c)); p != nil && p.MaxSizeBytes > limit {
			limit = p.MaxSizeBytes
		}
	}
	return limit
}

// readableAlgorithms is the set of envelope algorithms this service will decrypt.
func (s *Service) readableAlgorithms() []string {
	out := append([]string{s.opts.Algorithm}, s.opts.SupportedAlgorithms...)
	if s.opts.Policies != nil {
		for _, c := range allCategories {
			if p := s.opts.Policies.GetPolicyForCategory(string(c)); p != nil && p.Algorithm != "" {
				out = append(out, p.Algorithm)
			}
		}
	}
	return out
}

// startSpan opens a span for op; the returned func records err and ends the span.
func (s *Service) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := s.tracer.Start(ctx, "document."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, KindOf(err).String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (s *Service) recordOutcome(op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	s.metrics.RecordDocumentOperation(op, outcome)
}

func (s *Service) wrapKey(ctx context.Context, dek []byte, p Path) (*crypto.KeyEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.KMSTimeout)
	defer cancel()

	start := time.Now()
	wrapped, err := s.keys.WrapKey(ctx, dek, p.wrapContext())
	s.recordKMS("wrap", start, err)
	return wrapped, err
}

func (s *Service) unwrapKey(ctx context.Context, env *crypto.Envelope, p Path) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.KMSTimeout)
	defer cancel()

	start := time.Now()
	dek, err := s.keys.UnwrapKey(ctx, &crypto.KeyEnvelope{
		KeyID:      env.KeyID,
		Provider:   s.keys.Provider(),
		Ciphertext: env.WrappedKey,
	}, p.wrapContext())
	s.recordKMS("unwrap", start, err)
	return dek, err
}

func (s *Service) recordKMS(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordKMSOperation(op, s.keys.Provider(), time.Since(start))
	if err != nil {
		errType := "unavailable"
		if errors.Is(err, crypto.ErrIntegrity) {
			errType = "integrity"
		}
		s.metrics.RecordKMSError(op, s.keys.Provider(), errType)
	}
}

func (s *Service) recordStore(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordS3Operation(op, s.opts.Bucket, time.Since(start))
	if err != nil {
		errType := "error"
		switch {
		case errors.Is(err, s3.ErrObjectNotFound):
			errType = "not_found"
		case errors.Is(err, s3.ErrObjectExists):
			errType = "exists"
		case errors.Is(err, context.DeadlineExceeded):
			errType = "timeout"
		}
		s.metrics.RecordS3Error(op, s.opts.Bucket, errType)
	}
}

// kmsErrorKind separates a rejected wrapped key from an unreachable KMS.
func kmsErrorKind(err error) Kind {
	if errors.Is(err, crypto.ErrIntegrity) {
		return KindIntegrity
	}
	return KindUpstreamUnavailable
}

func (s *Service) documentsDefaults() config.DocumentsConfig {
	return config.DocumentsConfig{
		MaxSizeBytes: s.opts.MaxSizeBytes,
		Algorithm:    s.opts.Algorithm,
	}
}
