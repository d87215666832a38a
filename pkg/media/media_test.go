package media_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/genflow/pkg/media"
	"github.com/dukex/genflow/pkg/mocks"
	"github.com/dukex/genflow/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fastPoll = provider.PollOptions{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 10}

func TestPredictionProcessor_Process(t *testing.T) {
	client := &mocks.MockProviderClient{}
	client.On("CreatePrediction", mock.Anything, provider.PredictionRequest{
		Model: "custom/tts",
		Input: map[string]any{"text": "hello"},
	}).Return(&provider.Prediction{ID: "pred-9", Status: provider.StatusStarting}, nil)
	client.On("GetStatus", mock.Anything, "pred-9").
		Return(&provider.Prediction{ID: "pred-9", Status: provider.StatusProcessing, Metrics: map[string]any{"progress": 0.5}}, nil).Once()
	client.On("GetStatus", mock.Anything, "pred-9").
		Return(&provider.Prediction{ID: "pred-9", Status: provider.StatusSucceeded, Output: "https://cdn/a.wav", Metrics: map[string]any{"cost": 0.003}}, nil).Once()

	processor := media.NewPredictionProcessor(slog.Default(), client, fastPoll, map[string]string{"speech": "custom/tts"})

	var progress []float64

	heartbeats := 0
	started := ""

	result, err := processor.Process(context.Background(), media.Task{
		NodeType: "speech",
		Model:    "jaaari/kokoro-82m",
		Input:    map[string]any{"text": "hello"},
		OnStarted: func(_ context.Context, predictionID string) error {
			started = predictionID

			return nil
		},
		OnProgress: func(_ context.Context, p float64) {
			progress = append(progress, p)
		},
		OnHeartbeat: func(context.Context) error {
			heartbeats++

			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/a.wav", result.Output)
	assert.Equal(t, "pred-9", result.PredictionID)
	assert.InDelta(t, 0.003, result.Cost, 1e-9)
	assert.Equal(t, []float64{0.5}, progress)
	assert.Equal(t, 2, heartbeats)
	assert.Equal(t, "pred-9", started)
	client.AssertExpectations(t)
}

func TestPredictionProcessor_ResumesPrediction(t *testing.T) {
	client := &mocks.MockProviderClient{}
	client.On("GetStatus", mock.Anything, "pred-3").
		Return(&provider.Prediction{ID: "pred-3", Status: provider.StatusSucceeded, Output: "https://cdn/v.mp4"}, nil)

	processor := media.NewPredictionProcessor(slog.Default(), client, fastPoll, nil)

	result, err := processor.Process(context.Background(), media.Task{
		NodeType:     "transcode",
		PredictionID: "pred-3",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/v.mp4", result.Output)
	client.AssertNotCalled(t, "CreatePrediction", mock.Anything, mock.Anything)
}

func TestPredictionProcessor_StartedHookAborts(t *testing.T) {
	client := &mocks.MockProviderClient{}
	client.On("CreatePrediction", mock.Anything, mock.Anything).
		Return(&provider.Prediction{ID: "pred-4", Status: provider.StatusStarting}, nil)

	processor := media.NewPredictionProcessor(slog.Default(), client, fastPoll, nil)

	_, err := processor.Process(context.Background(), media.Task{
		NodeType: "transcode",
		Model:    "fofr/video-transcode",
		OnStarted: func(context.Context, string) error {
			return assert.AnError
		},
	})
	require.ErrorIs(t, err, assert.AnError)
	client.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
}

func TestPredictionProcessor_NoModel(t *testing.T) {
	processor := media.NewPredictionProcessor(slog.Default(), &mocks.MockProviderClient{}, fastPoll, nil)

	_, err := processor.Process(context.Background(), media.Task{NodeType: "transcode"})
	require.ErrorIs(t, err, media.ErrNoModel)
}

func TestPredictionCost(t *testing.T) {
	assert.InDelta(t, 0.2, media.PredictionCost(&provider.Prediction{Metrics: map[string]any{"cost": 0.2}}, 1), 1e-9)
	assert.InDelta(t, 1, media.PredictionCost(&provider.Prediction{}, 1), 1e-9)
}
