package document

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/document-vault/internal/s3"
)

// Listing is the result of a catalog query. Failed names the categories whose listing
// could not be completed; their documents are missing from Records.
type Listing struct {
	Records []Record   `json:"documents"`
	Failed  []Category `json:"failedCategories"`
}

// Partial reports whether any category failed.
func (l *Listing) Partial() bool {
	return len(l.Failed) > 0
}

// List returns every stored document of ownerID across all categories. It never decrypts.
// A category that cannot be listed is logged and reported in Listing.Failed rather than
// failing the whole call.
func (s *Service) List(ctx context.Context, ownerID string, r Requester) (listing *Listing, err error) {
	const op = "list"
	ctx, end := s.startSpan(ctx, op)
	defer func() {
		end(err)
		s.recordOutcome(op, err)
	}()

	if err := ValidateOwnerID(ownerID); err != nil {
		return nil, newError(KindValidation, op, "", err)
	}
	if err := authorizeOwner(ownerID, r); err != nil {
		return nil, newError(KindUnauthorized, op, "", err)
	}

	var (
		mu      sync.Mutex
		records []Record
		failed  []Category
	)

	// Per-category errors are absorbed, so the group itself never cancels its siblings.
	g := new(errgroup.Group)
	g.SetLimit(s.opts.CatalogConcurrency)
	for _, c := range allCategories {
		c := c
		g.Go(func() error {
			recs, err := s.listCategory(ctx, c, ownerID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, c)
				s.logger.WithError(err).WithFields(logrus.Fields{
					"category": c,
					"owner":    ownerID,
				}).Warn("Category listing failed, returning partial catalog")
				if s.metrics != nil {
					s.metrics.RecordCatalogFailure(string(c))
				}
				return nil
			}
			records = append(records, recs...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, newError(KindUpstreamUnavailable, op, "", err)
	}

	sortRecords(records)
	sort.Slice(failed, func(i, j int) bool { return categoryIndex(failed[i]) < categoryIndex(failed[j]) })
	if records == nil {
		records = []Record{}
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("document.count", len(records)),
		attribute.Int("document.failed_categories", len(failed)),
	)

	return &Listing{Records: records, Failed: failed}, nil
}

func (s *Service) listCategory(ctx context.Context, c Category, ownerID string) ([]Record, error) {
	prefix := OwnerPrefix(c, ownerID)

	start := time.Now()
	objects, err := s3.ListAll(ctx, s.store, s.opts.Bucket, prefix, s.opts.ListPageSize, s.opts.StoreTimeout)
	s.recordStore("ListObjects", start, err)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(objects))
	for _, obj := range objects {
		p, err := ParsePath(obj.Key)
		if err != nil || p.Category != c || p.OwnerID != ownerID {
			s.logger.WithField("key", obj.Key).Debug("Skipping object that is not a document path")
			continue
		}

		meta, err := s.head(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, s3.ErrObjectNotFound) {
				// Deleted between list and head.
				continue
			}
			return nil, err
		}
		records = append(records, recordFromMetadata(p, meta))
	}
	return records, nil
}

// sortRecords orders newest first, then by id so equal timestamps are deterministic.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UploadedAt.Equal(records[j].UploadedAt) {
			return records[i].UploadedAt.After(records[j].UploadedAt)
		}
		return records[i].ID < records[j].ID
	})
}

func categoryIndex(c Category) int {
	for i, known := range allCategories {
		if known == c {
			return i
		}
	}
	return len(allCategories)
}
