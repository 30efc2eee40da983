package mcp_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/retrieval"
	"pdfqa/backend/internal/summary"
)

type MockDocuments struct {
	mock.Mock
}

func (m *MockDocuments) List(ctx context.Context, offset, limit int) ([]document.Document, int, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]document.Document), args.Int(1), args.Error(2)
}

func (m *MockDocuments) Query(ctx context.Context, id, question string, maxResults int) (*retrieval.Answer, error) {
	args := m.Called(ctx, id, question, maxResults)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Answer), args.Error(1)
}

func (m *MockDocuments) Summarize(ctx context.Context, id string) (*summary.Summary, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*summary.Summary), args.Error(1)
}
