package mocks

import (
	"context"

	"github.com/dukex/genflow/pkg/queue"
	"github.com/stretchr/testify/mock"
)

// MockBroker is a mock implementation of queue.Broker interface.
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Enqueue(ctx context.Context, job *queue.Job) (string, error) {
	args := m.Called(ctx, job)

	return args.String(0), args.Error(1)
}

func (m *MockBroker) State(ctx context.Context, queueName, jobID string) (queue.State, error) {
	args := m.Called(ctx, queueName, jobID)

	return args.Get(0).(queue.State), args.Error(1)
}

func (m *MockBroker) Consume(ctx context.Context, queueName string, concurrency int, handler queue.Handler) error {
	args := m.Called(ctx, queueName, concurrency, handler)

	return args.Error(0)
}

func (m *MockBroker) Close() error {
	args := m.Called()

	return args.Error(0)
}
