package job

import (
	"context"

	"github.com/stretchr/testify/mock"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/ingest"
)

type MockActive struct{ mock.Mock }

func (m *MockActive) Active() []ingest.JobInfo {
	args := m.Called()
	return args.Get(0).([]ingest.JobInfo)
}

type MockDocuments struct{ mock.Mock }

func (m *MockDocuments) Get(ctx context.Context, id string) (*document.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockDocuments) ListFailed(ctx context.Context) ([]document.Document, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

func (m *MockDocuments) Retry(ctx context.Context, id string) (*document.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

// slowPublisher blocks until release is closed.
type slowPublisher struct {
	release chan struct{}
}

func (p *slowPublisher) Publish(topic string, body []byte) error {
	<-p.release
	return nil
}
