package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockTaskPublisher struct{ mock.Mock }

func (m *MockTaskPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

type MockRetrier struct{ mock.Mock }

func (m *MockRetrier) Retry(ctx context.Context, documentID string) error {
	args := m.Called(ctx, documentID)
	return args.Error(0)
}
