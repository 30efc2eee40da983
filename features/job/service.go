package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/config"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/middleware"
	"pdfqa/backend/internal/worker"
)

var errPublishTimeout = errors.New("publish timed out")

type ActiveLister interface {
	Active() []ingest.JobInfo
}

type Documents interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	ListFailed(ctx context.Context) ([]document.Document, error)
	Retry(ctx context.Context, id string) (*document.Document, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	active         ActiveLister
	docs           Documents
	pub            EventPublisher
	publishTimeout time.Duration
}

// NewService builds the job service. With a nil publisher retries run
// inline instead of going through the ingest.retry topic.
func NewService(active ActiveLister, docs Documents, pub EventPublisher) *Service {
	return &Service{active: active, docs: docs, pub: pub, publishTimeout: 5 * time.Second}
}

func (s *Service) Active() []Job {
	infos := s.active.Active()
	jobs := make([]Job, len(infos))
	for i, info := range infos {
		jobs[i] = fromInfo(info)
	}
	return jobs
}

func (s *Service) Failed(ctx context.Context) ([]FailedJob, error) {
	docs, err := s.docs.ListFailed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed documents: %w", err)
	}
	jobs := make([]FailedJob, len(docs))
	for i, d := range docs {
		jobs[i] = fromDocument(d)
	}
	return jobs, nil
}

// Retry requests a new ingestion for a failed document. Unknown or non-failed
// documents are rejected up front. The request is queued on ingest.retry when
// a publisher is configured, falling back to an inline retry if publishing
// fails. It reports whether the retry was queued.
func (s *Service) Retry(ctx context.Context, id string) (bool, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if doc.Status != ingest.StatusFailed {
		return false, apperr.InvalidTransition(fmt.Sprintf("cannot retry %s document", doc.Status), nil)
	}

	if s.pub != nil {
		err := s.publish(ctx, worker.RetryPayload{DocumentID: id, CorrelationID: middleware.GetCorrelationID(ctx)})
		if err == nil {
			slog.InfoContext(ctx, "retry queued", "document_id", id)
			return true, nil
		}
		slog.WarnContext(ctx, "failed to queue retry, retrying inline", "document_id", id, "error", err)
	}

	if _, err := s.docs.Retry(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Service) publish(ctx context.Context, payload worker.RetryPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicIngestRetry, body)
	}()

	timer := time.NewTimer(s.publishTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
