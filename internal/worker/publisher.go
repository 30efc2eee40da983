package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"pdfqa/backend/internal/config"
	"pdfqa/backend/internal/ingest"
)

// StatusPublisher forwards ingestion status transitions to the
// document.status topic. Publishing is best effort: the documents table
// remains the source of truth.
type StatusPublisher struct {
	publisher TaskPublisher
	topic     string
}

func NewStatusPublisher(p TaskPublisher) *StatusPublisher {
	return &StatusPublisher{publisher: p, topic: config.TopicDocumentStatus}
}

func (p *StatusPublisher) Notify(ctx context.Context, ev ingest.StatusEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal status event", "error", err)
		return
	}
	if err := p.publisher.Publish(p.topic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish status event",
			"topic", p.topic, "status", ev.Status, "error", err)
	}
}
