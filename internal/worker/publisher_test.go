package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"pdfqa/backend/internal/config"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/worker"
)

func TestStatusPublisher_Notify(t *testing.T) {
	tp := new(MockTaskPublisher)
	p := worker.NewStatusPublisher(tp)

	ev := ingest.StatusEvent{
		DocumentID:    "doc1",
		Status:        ingest.StatusFailed,
		ErrorDetail:   "extraction: no extractable text",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	tp.On("Publish", config.TopicDocumentStatus, mock.MatchedBy(func(b []byte) bool {
		var got ingest.StatusEvent
		if err := json.Unmarshal(b, &got); err != nil {
			return false
		}
		return got.DocumentID == "doc1" &&
			got.Status == ingest.StatusFailed &&
			got.ErrorDetail == "extraction: no extractable text" &&
			got.CorrelationID == "corr-1"
	})).Return(nil)

	p.Notify(context.Background(), ev)

	tp.AssertExpectations(t)
}

func TestStatusPublisher_PublishErrorIsSwallowed(t *testing.T) {
	tp := new(MockTaskPublisher)
	p := worker.NewStatusPublisher(tp)

	tp.On("Publish", config.TopicDocumentStatus, mock.Anything).Return(errors.New("nsqd down"))

	assert.NotPanics(t, func() {
		p.Notify(context.Background(), ingest.StatusEvent{DocumentID: "doc1", Status: ingest.StatusCompleted})
	})
	tp.AssertNumberOfCalls(t, "Publish", 1)
}
