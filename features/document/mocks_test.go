package document_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/ingest"
	"pdfqa/backend/internal/retrieval"
	"pdfqa/backend/internal/summary"
	"pdfqa/backend/internal/vector"
)

type MockRepo struct{ mock.Mock }

func (m *MockRepo) Create(ctx context.Context, doc *document.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockRepo) Get(ctx context.Context, id string) (*document.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockRepo) FindByHash(ctx context.Context, hash string) (string, bool, error) {
	args := m.Called(ctx, hash)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockRepo) List(ctx context.Context, offset, limit int) ([]document.Document, int, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]document.Document), args.Int(1), args.Error(2)
}

func (m *MockRepo) ListFailed(ctx context.Context) ([]document.Document, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

func (m *MockRepo) ListByStatus(ctx context.Context, status string) ([]document.Document, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

func (m *MockRepo) MarkFailed(ctx context.Context, id, detail string) error {
	args := m.Called(ctx, id, detail)
	return args.Error(0)
}

func (m *MockRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

func (m *MockRepo) TotalChunks(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockBlobs struct{ mock.Mock }

func (m *MockBlobs) Put(ctx context.Context, key string, data []byte) error {
	args := m.Called(ctx, key, data)
	return args.Error(0)
}

func (m *MockBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobs) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

type MockValidator struct{ mock.Mock }

func (m *MockValidator) Validate(data []byte) (int, error) {
	args := m.Called(data)
	return args.Int(0), args.Error(1)
}

type MockIngestor struct{ mock.Mock }

func (m *MockIngestor) Submit(ctx context.Context, documentID, blobKey string, retry bool) (*ingest.Job, error) {
	args := m.Called(ctx, documentID, blobKey, retry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.Job), args.Error(1)
}

func (m *MockIngestor) Cancel(ctx context.Context, documentID string) ingest.CancelOutcome {
	args := m.Called(ctx, documentID)
	return args.Get(0).(ingest.CancelOutcome)
}

type MockIndex struct{ mock.Mock }

func (m *MockIndex) Upsert(ctx context.Context, collection string, items []vector.Item) error {
	args := m.Called(ctx, collection, items)
	return args.Error(0)
}

func (m *MockIndex) Search(ctx context.Context, collection string, query []float32, k int, filter vector.Filter) ([]vector.Hit, error) {
	args := m.Called(ctx, collection, query, k, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Hit), args.Error(1)
}

func (m *MockIndex) Delete(ctx context.Context, collection string, filter vector.Filter) error {
	args := m.Called(ctx, collection, filter)
	return args.Error(0)
}

type MockQuerier struct{ mock.Mock }

func (m *MockQuerier) Query(ctx context.Context, documentID, question string, maxResults int) (*retrieval.Answer, error) {
	args := m.Called(ctx, documentID, question, maxResults)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Answer), args.Error(1)
}

type MockSummarizer struct{ mock.Mock }

func (m *MockSummarizer) Summarize(ctx context.Context, documentID string) (*summary.Summary, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*summary.Summary), args.Error(1)
}
