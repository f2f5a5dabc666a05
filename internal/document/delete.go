package document

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Delete removes the document at rawPath. Deleting a document that does not exist succeeds.
func (s *Service) Delete(ctx context.Context, rawPath string, r Requester) (err error) {
	const op = "delete"
	ctx, end := s.startSpan(ctx, op)
	defer func() {
		end(err)
		s.recordOutcome(op, err)
	}()

	p, err := s.authorizedPath(op, rawPath, r)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(pathAttr(p))

	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	err = s.store.DeleteObject(ctx, s.opts.Bucket, p.String())
	s.recordStore("DeleteObject", start, err)
	if err != nil {
		return newError(KindUpstreamUnavailable, op, p.String(), err)
	}

	s.logger.WithField("path", p.String()).Info("Document deleted")
	return nil
}
