package mocks

import (
	"context"

	"github.com/dukex/genflow/pkg/provider"
	"github.com/stretchr/testify/mock"
)

// MockProviderClient is a mock implementation of provider.Client interface.
type MockProviderClient struct {
	mock.Mock
}

func (m *MockProviderClient) CreatePrediction(ctx context.Context, request provider.PredictionRequest) (*provider.Prediction, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*provider.Prediction), args.Error(1)
}

func (m *MockProviderClient) GetStatus(ctx context.Context, predictionID string) (*provider.Prediction, error) {
	args := m.Called(ctx, predictionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*provider.Prediction), args.Error(1)
}

func (m *MockProviderClient) Cancel(ctx context.Context, predictionID string) error {
	args := m.Called(ctx, predictionID)

	return args.Error(0)
}
