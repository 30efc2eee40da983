package worker

import (
	"context"
)

// TaskPublisher is satisfied by *nsq.Producer.
type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

// Retrier re-runs ingestion for a failed document.
type Retrier interface {
	Retry(ctx context.Context, documentID string) error
}
