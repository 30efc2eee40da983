package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"pdfqa/backend/internal/apperr"
	"pdfqa/backend/internal/logger"
	"pdfqa/backend/internal/middleware"
)

// RetryConsumer handles ingest.retry messages. Returning an error makes nsq
// requeue the message, so only errors that a later attempt could clear are
// returned.
type RetryConsumer struct {
	retrier Retrier
}

func NewRetryConsumer(r Retrier) *RetryConsumer {
	return &RetryConsumer{retrier: r}
}

func (h *RetryConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload RetryPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		slog.Error("invalid retry message format (poison pill)", "error", err)
		return nil
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if payload.DocumentID == "" {
		slog.WarnContext(ctx, "retry message without document_id")
		return nil
	}
	ctx = logger.WithDocumentID(ctx, payload.DocumentID)

	err := h.retrier.Retry(ctx, payload.DocumentID)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "retry accepted")
		return nil
	case errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvalidTransition):
		slog.WarnContext(ctx, "retry dropped", "error", err)
		return nil
	default:
		slog.ErrorContext(ctx, "retry failed", "error", err)
		return err
	}
}
